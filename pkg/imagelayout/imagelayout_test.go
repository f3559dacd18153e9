// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/humansize"
)

func TestStateStringCoversEveryState(t *testing.T) {
	for s := Created; s <= Released; s++ {
		if got := s.String(); got == "unknown" {
			t.Errorf("State(%d).String() = %q", int(s), got)
		}
	}
}

func TestRequireStateMismatchReturnsErrWrongState(t *testing.T) {
	m := &Manager{state: Created}
	err := m.requireState(Attached)
	var want ErrWrongState
	if err == nil {
		t.Fatal("want error")
	}
	we, ok := err.(ErrWrongState)
	if !ok {
		t.Fatalf("got %T, want ErrWrongState", err)
	}
	want = ErrWrongState{Want: Attached, Got: Created}
	if we != want {
		t.Errorf("got %+v, want %+v", we, want)
	}
}

func TestPartitionDevPathAndLoopName(t *testing.T) {
	if got := partitionDevPath("/dev/loop3", 2); got != "/dev/loop3p2" {
		t.Errorf("partitionDevPath = %q", got)
	}
	if got := loopName("/dev/loop3"); got != "loop3" {
		t.Errorf("loopName = %q", got)
	}
}

func TestDataDevPathFallsBackToKernelNativePath(t *testing.T) {
	m := &Manager{loopDev: "/dev/loop3"}
	if got := m.dataDevPath(); got != "/dev/loop3p3" {
		t.Errorf("dataDevPath = %q, want kernel-native path when no dm node was created", got)
	}
}

func TestDataDevPathPrefersCreatedDMNode(t *testing.T) {
	m := &Manager{
		loopDev: "/dev/loop3",
		createdDMNodes: []dmNode{
			{part: 1, name: "loop3p1"},
			{part: 3, name: "loop3p3"},
		},
	}
	if got := m.dataDevPath(); got != "/dev/mapper/loop3p3" {
		t.Errorf("dataDevPath = %q, want the dm-mapper node created for partition 3", got)
	}
}

func TestReadSysfsInt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "start")
	if err := os.WriteFile(p, []byte("2048\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %s", err)
	}
	got, err := readSysfsInt(p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got != 2048 {
		t.Errorf("got %d, want 2048", got)
	}
}

func TestMinBlocksRegexParsesResize2fsOutput(t *testing.T) {
	out := "Filesystem at /dev/loop0p3 is mounted; on-line resizing required\n" +
		"Estimated minimum size of the filesystem: 123456\n"
	m := reMinBlocks.FindStringSubmatch(out)
	if m == nil || m[1] != "123456" {
		t.Fatalf("got %v, want minimum-size match of 123456", m)
	}
}

func TestNewRejectsUnspecifiedSize(t *testing.T) {
	_, err := New(Options{OutputPath: filepath.Join(t.TempDir(), "out.img"), Size: humansize.Unspecified})
	if err == nil {
		t.Fatal("want error for unspecified size")
	}
	if buildkind.Of(err) != buildkind.KindInput {
		t.Errorf("got kind %v, want KindInput", buildkind.Of(err))
	}
}

func TestNewRefusesExistingOutputWithoutOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.img")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatalf("writing fixture: %s", err)
	}
	_, err := New(Options{OutputPath: path, Size: humansize.Size(1 << 20)})
	if err != ErrOutputExists {
		t.Errorf("got %v, want ErrOutputExists", err)
	}
}

func TestNewCreatesSparseFileOfRequestedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.img")
	size := humansize.Size(4 << 20)
	m, err := New(Options{OutputPath: path, Size: size})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if m.State() != Created {
		t.Errorf("got state %s, want created", m.State())
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("statting output: %s", err)
	}
	if fi.Size() != int64(size) {
		t.Errorf("got size %d, want %d", fi.Size(), size)
	}
}

func TestSeedBaseImageCopiesBytesToFront(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "base.img")
	baseContent := []byte("base-image-bytes")
	if err := os.WriteFile(basePath, baseContent, 0o644); err != nil {
		t.Fatalf("writing base fixture: %s", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.img")
	m, err := New(Options{OutputPath: outPath, Size: humansize.Size(1 << 20)})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.SeedBaseImage(basePath); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading output: %s", err)
	}
	if string(got[:len(baseContent)]) != string(baseContent) {
		t.Errorf("got %q at front of output", got[:len(baseContent)])
	}
	if len(got) != 1<<20 {
		t.Errorf("got len %d, want output still sized 1MiB", len(got))
	}
}

func TestNewOverwriteAllowsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.img")
	if err := os.WriteFile(path, []byte("stale contents"), 0o644); err != nil {
		t.Fatalf("writing fixture: %s", err)
	}
	size := humansize.Size(1 << 20)
	if _, err := New(Options{OutputPath: path, Size: size, Overwrite: true}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("statting output: %s", err)
	}
	if fi.Size() != int64(size) {
		t.Errorf("got size %d, want %d", fi.Size(), size)
	}
}
