// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/cachepolicy"
)

func newTestStore(t *testing.T, policy *cachepolicy.GlobalPolicy) (*Store, *fakeclock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	clk := fakeclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open(dir, policy, clk)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func writeTmpBlob(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "blob-")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestAdmitThenLookupIsHit(t *testing.T) {
	s, _ := newTestStore(t, cachepolicy.Defaults())
	blob := writeTmpBlob(t, "hello")
	res, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob, 5, digest.FromString("hello"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Admitted {
		t.Fatalf("want Admitted, got %s", res.Status)
	}

	lr, err := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if lr.Status != Hit {
		t.Fatalf("want Hit, got %s", lr.Status)
	}
	if lr.Entry.BlobPath == "" {
		t.Error("want a blob path")
	}
	full := filepath.Join(s.dir, "blobs", lr.Entry.BlobPath)
	if _, err := os.Stat(full); err != nil {
		t.Errorf("blob not on disk: %s", err)
	}
}

func TestLookupMissForUnknownSource(t *testing.T) {
	s, _ := newTestStore(t, cachepolicy.Defaults())
	lr, err := s.Lookup(cachepolicy.ClassFile, "https://example.org/nope.txt")
	if err != nil {
		t.Fatal(err)
	}
	if lr.Status != Miss {
		t.Fatalf("want Miss, got %s", lr.Status)
	}
}

func TestLookupIgnoredWhenPolicyDisablesClass(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("files:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, policy)
	lr, err := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if lr.Status != Ignored {
		t.Fatalf("want Ignored, got %s", lr.Status)
	}
}

func TestAdmitRejectsOversizedBlobWithoutEvicting(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("max_size: 10\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, policy)

	blob1 := writeTmpBlob(t, "0123456789")
	if res, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob1, 10, "", "", ""); err != nil || res.Status != Admitted {
		t.Fatalf("first admit: %v %v", res, err)
	}

	blob2 := writeTmpBlob(t, "too-big-to-fit-in-ten-bytes")
	res, err := s.Admit(cachepolicy.ClassFile, "https://example.org/b.txt", blob2, 27, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != RejectedNoRoom {
		t.Fatalf("want RejectedNoRoom, got %s", res.Status)
	}

	lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt")
	if lr.Status != Hit {
		t.Error("first entry should not have been evicted by the failed admission")
	}
}

func TestMaxSizeZeroDisablesCachingEntirely(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("max_size: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, policy)
	blob := writeTmpBlob(t, "x")
	res, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob, 1, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != RejectedDisabled {
		t.Fatalf("want RejectedDisabled, got %s", res.Status)
	}
}

func TestLookupExpiresPastMaxAge(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("max_age: 1h\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, clk := newTestStore(t, policy)
	blob := writeTmpBlob(t, "x")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob, 1, "", "", ""); err != nil {
		t.Fatal(err)
	}

	clk.Increment(30 * time.Minute)
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt"); lr.Status != Hit {
		t.Fatalf("want still Hit at 30m, got %s", lr.Status)
	}

	clk.Increment(40 * time.Minute)
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt"); lr.Status != Miss {
		t.Fatalf("want Miss past max_age, got %s", lr.Status)
	}
}

func TestLookupStaleHitPastCheckAfter(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("check_after: 10m\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, clk := newTestStore(t, policy)
	blob := writeTmpBlob(t, "x")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob, 1, "", "", ""); err != nil {
		t.Fatal(err)
	}

	clk.Increment(20 * time.Minute)
	lr, err := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if lr.Status != StaleHit {
		t.Fatalf("want StaleHit, got %s", lr.Status)
	}
}

// keep_identified_versions: spec.md §8 end-to-end scenario 4.
func TestKeepIdentifiedVersionsEvictsOnlyLowerVersionFromSameSourceHost(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("files:\n  keep_identified_versions: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, policy)

	blob1 := writeTmpBlob(t, "v1")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://mirror.example/kiwix_wp_en_2024-01.zim", blob1, 2, "", "kiwix_wp_en", "2024-01"); err != nil {
		t.Fatal(err)
	}
	blob2 := writeTmpBlob(t, "v2")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://mirror.example/kiwix_wp_en_2024-02.zim", blob2, 2, "", "kiwix_wp_en", "2024-02"); err != nil {
		t.Fatal(err)
	}

	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://mirror.example/kiwix_wp_en_2024-01.zim"); lr.Status != Miss {
		t.Errorf("want first version evicted, got %s", lr.Status)
	}
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://mirror.example/kiwix_wp_en_2024-02.zim"); lr.Status != Hit {
		t.Errorf("want second version present, got %s", lr.Status)
	}

	blob3 := writeTmpBlob(t, "v1-other-mirror")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://other.example/kiwix_wp_en_2024-01.zim", blob3, 15, "", "kiwix_wp_en", "2024-01"); err != nil {
		t.Fatal(err)
	}
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://other.example/kiwix_wp_en_2024-01.zim"); lr.Status != Hit {
		t.Errorf("entry from a different source host must not be evicted, got %s", lr.Status)
	}
}

func TestEvictionStrategyOldestFirst(t *testing.T) {
	policy, err := cachepolicy.Load([]byte("max_size: 10\nfiles:\n  eviction: oldest\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, clk := newTestStore(t, policy)

	blobA := writeTmpBlob(t, "aaaaa")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blobA, 5, "", "", ""); err != nil {
		t.Fatal(err)
	}
	clk.Increment(time.Minute)
	blobB := writeTmpBlob(t, "bbbbb")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://example.org/b.txt", blobB, 5, "", "", ""); err != nil {
		t.Fatal(err)
	}
	clk.Increment(time.Minute)
	blobC := writeTmpBlob(t, "ccccc")
	if _, err := s.Admit(cachepolicy.ClassFile, "https://example.org/c.txt", blobC, 5, "", "", ""); err != nil {
		t.Fatal(err)
	}

	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt"); lr.Status != Miss {
		t.Errorf("oldest entry should have been evicted to fit, got %s", lr.Status)
	}
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/c.txt"); lr.Status != Hit {
		t.Errorf("newest entry should survive, got %s", lr.Status)
	}
}

func TestInvalidateRemovesBlobAndMetadata(t *testing.T) {
	s, _ := newTestStore(t, cachepolicy.Defaults())
	blob := writeTmpBlob(t, "x")
	res, err := s.Admit(cachepolicy.ClassFile, "https://example.org/a.txt", blob, 1, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Invalidate(res.Entry.Key); err != nil {
		t.Fatal(err)
	}
	if lr, _ := s.Lookup(cachepolicy.ClassFile, "https://example.org/a.txt"); lr.Status != Miss {
		t.Errorf("want Miss after invalidate, got %s", lr.Status)
	}
}

func TestOpenRejectsConcurrentLock(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, cachepolicy.Defaults(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()

	_, err = Open(dir, cachepolicy.Defaults(), nil)
	if err != ErrCacheBusy {
		t.Fatalf("want ErrCacheBusy, got %v", err)
	}
}
