// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/cachepolicy"
	"github.com/offspot/image-creator/pkg/cachestore"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

func TestPlanEnumeratesBaseOCIAndFiles(t *testing.T) {
	r := &recipe.Recipe{
		Base: recipe.Base{Source: "https://example.org/base.img.gz"},
		OCIImages: []recipe.OCIImage{
			{Ident: "web", URL: "example.org/web:1.2"},
		},
		Files: []recipe.File{
			{To: "/data/plain.txt", Content: "hi"},
			{To: "/data/archive", URL: "https://example.org/a.tar.gz", Via: recipe.ViaGzTar},
		},
	}
	items := Plan(r)
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if items[0].Kind != KindBase {
		t.Errorf("items[0].Kind = %v, want KindBase", items[0].Kind)
	}
	if items[1].Kind != KindOCIImage || items[1].Identifier != "example.org/web" || items[1].Version != "1.2" {
		t.Errorf("items[1] = %+v, want identifier=example.org/web version=1.2", items[1])
	}
	if items[2].Kind != KindFile || items[2].URL != "" || items[2].Content != "hi" {
		t.Errorf("items[2] = %+v, want content-only file", items[2])
	}
	if items[3].Kind != KindFile || items[3].Via != recipe.ViaGzTar {
		t.Errorf("items[3] = %+v, want gztar file", items[3])
	}
}

func TestFileIdentifierMatchesZimVersionPattern(t *testing.T) {
	ident, version := fileIdentifier("https://example.org/wikipedia_en_all_2023-10.zim")
	if ident != "wikipedia_en_all" || version != "2023-10" {
		t.Errorf("got ident=%q version=%q, want wikipedia_en_all/2023-10", ident, version)
	}
}

func TestFileIdentifierEmptyWhenUnmatched(t *testing.T) {
	ident, version := fileIdentifier("https://example.org/random.bin")
	if ident != "" || version != "" {
		t.Errorf("got ident=%q version=%q, want both empty", ident, version)
	}
}

func TestDecodeContentPlainUTF8(t *testing.T) {
	got, err := decodeContent("hello world")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeContentBase64Tag(t *testing.T) {
	got, err := decodeContent("base64:AAECAw==")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	want := []byte{0x00, 0x01, 0x02, 0x03}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecodeContentInvalidBase64(t *testing.T) {
	if _, err := decodeContent("base64:not-valid-base64!!"); err == nil {
		t.Error("want error for malformed base64 payload")
	}
}

func TestPlaceInlineContentWritesUnderBuildDir(t *testing.T) {
	dir := t.TempDir()
	o := New(nil, nil, Options{BuildDir: dir})
	item := WorkItem{Kind: KindFile, Dest: "/data/hello.txt", Content: "hi there"}
	a, err := o.fetchAndPlace(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("reading placed file: %s", err)
	}
	if string(got) != "hi there" {
		t.Errorf("got %q", got)
	}
}

func newTestStore(t *testing.T) *cachestore.Store {
	t.Helper()
	epoch, err := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parsing epoch: %s", err)
	}
	clk := fakeclock.NewFakeClock(epoch)
	s, err := cachestore.Open(t.TempDir(), cachepolicy.Defaults(), clk)
	if err != nil {
		t.Fatalf("opening store: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchAndPlaceUsesCacheHitWithoutEngine(t *testing.T) {
	store := newTestStore(t)

	blob := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(blob, []byte("cached payload"), 0o644); err != nil {
		t.Fatalf("writing fake blob: %s", err)
	}
	d := digest.FromString("cached payload")
	if _, err := store.Admit(cachepolicy.ClassFile, "https://example.org/a.bin", blob, int64(len("cached payload")), d, "", ""); err != nil {
		t.Fatalf("admitting: %s", err)
	}

	dir := t.TempDir()
	o := New(store, nil, Options{BuildDir: dir})
	item := WorkItem{
		Kind:         KindFile,
		Class:        cachepolicy.ClassFile,
		Source:       "https://example.org/a.bin",
		URL:          "https://example.org/a.bin",
		Via:          recipe.ViaDirect,
		DeclaredSize: humansize.Unspecified,
		Dest:         "/data/a.bin",
	}
	a, err := o.fetchAndPlace(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !a.FromCache {
		t.Error("want FromCache=true for a warm cache hit")
	}
	got, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatalf("reading placed file: %s", err)
	}
	if string(got) != "cached payload" {
		t.Errorf("got %q", got)
	}
}
