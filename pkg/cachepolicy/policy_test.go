// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachepolicy

import "testing"

func TestLoadMissingYieldsDefaults(t *testing.T) {
	g, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Enabled || g.Eviction != EvictLRU {
		t.Errorf("defaults: enabled=%v eviction=%v", g.Enabled, g.Eviction)
	}
	if g.MaxSize != 10*1024*1024*1024 {
		t.Errorf("defaults: max_size=%d, want 10GiB", g.MaxSize)
	}
}

func TestLoadFullDocument(t *testing.T) {
	doc := []byte(`
enabled: true
max_size: 20GiB
eviction: lru
oci_images:
  enabled: true
  max_size: 5GiB
  eviction: oldest
files:
  enabled: true
  max_num: 500
  filters:
    - pattern: '^https://mirror\.example/'
      max_size: 1GiB
      eviction: newest
    - pattern: '.*'
      ignore: true
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	if g.MaxSize != 20*1024*1024*1024 {
		t.Errorf("global max_size=%d", g.MaxSize)
	}
	if g.OCIImages.Eviction != EvictOldest {
		t.Errorf("oci_images eviction=%s", g.OCIImages.Eviction)
	}
	if len(g.Files.Filters) != 2 {
		t.Fatalf("want 2 filters, got %d", len(g.Files.Filters))
	}
}

func TestLoadRejectsUnknownEviction(t *testing.T) {
	_, err := Load([]byte("eviction: biggest\n"))
	if err == nil {
		t.Error("want error for invalid eviction, got nil")
	}
}

func TestLoadRejectsFilterWithoutPattern(t *testing.T) {
	doc := []byte(`
files:
  filters:
    - ignore: true
`)
	_, err := Load(doc)
	if err == nil {
		t.Error("want error for filter without pattern, got nil")
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	doc := []byte(`
files:
  filters:
    - pattern: 'mirror\.example'
      max_size: 1GiB
    - pattern: 'mirror'
      max_size: 2GiB
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	eff := g.Resolve(ClassFile, "https://mirror.example/foo.zim")
	if eff.Ignored {
		t.Fatal("unexpectedly ignored")
	}
	if eff.MaxSize != 1*1024*1024*1024 {
		t.Errorf("want first filter's 1GiB to win, got %d", eff.MaxSize)
	}
}

func TestResolveFallsThroughUnspecifiedLevels(t *testing.T) {
	doc := []byte(`
max_size: 10GiB
files:
  filters:
    - pattern: '.*'
      eviction: newest
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	eff := g.Resolve(ClassFile, "https://example/anything")
	if eff.MaxSize != 10*1024*1024*1024 {
		t.Errorf("want global max_size to fall through, got %d", eff.MaxSize)
	}
	if eff.Eviction != EvictNewest {
		t.Errorf("want filter's own eviction, got %s", eff.Eviction)
	}
}

func TestResolveIgnoredFilter(t *testing.T) {
	doc := []byte(`
files:
  filters:
    - pattern: '\.torrent$'
      ignore: true
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	eff := g.Resolve(ClassFile, "https://example/thing.torrent")
	if !eff.Ignored {
		t.Error("want ignored, got cached")
	}
}

func TestResolveGlobalMaxSizeZeroDisablesEverything(t *testing.T) {
	doc := []byte(`
max_size: 0
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	for _, class := range []Class{ClassFile, ClassOCIImage} {
		eff := g.Resolve(class, "https://example/anything")
		if !eff.Ignored {
			t.Errorf("class %s: want ignored when global max_size is 0", class)
		}
	}
}

func TestResolveClassDisabledDoesNotAffectOtherClass(t *testing.T) {
	doc := []byte(`
files:
  enabled: false
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	if eff := g.Resolve(ClassFile, "x"); !eff.Ignored {
		t.Error("want files class ignored")
	}
	if eff := g.Resolve(ClassOCIImage, "x"); eff.Ignored {
		t.Error("oci_images should be unaffected by files.enabled=false")
	}
}

func TestResolveKeepIdentifiedVersionsFallsThrough(t *testing.T) {
	doc := []byte(`
files:
  keep_identified_versions: 2
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	eff := g.Resolve(ClassFile, "https://example/kiwix_wp_en_2024-02.zim")
	if eff.KeepIdentifiedVersions != 2 {
		t.Errorf("want 2, got %d", eff.KeepIdentifiedVersions)
	}
}

func TestFilterPatternIsCaseInsensitive(t *testing.T) {
	doc := []byte(`
files:
  filters:
    - pattern: 'MIRROR'
      max_size: 1GiB
`)
	g, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	eff := g.Resolve(ClassFile, "https://mirror.example/x")
	if eff.MatchedFilter == nil {
		t.Error("want case-insensitive match")
	}
}
