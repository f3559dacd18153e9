// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/content"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

func TestMissingToolsReportsAbsentBinaries(t *testing.T) {
	dir := t.TempDir()
	fakePath := os.Getenv("PATH")
	defer os.Setenv("PATH", fakePath)
	os.Setenv("PATH", dir)

	missing := MissingTools(Options{EngineBinPath: "definitely-not-a-real-engine"})
	if len(missing) == 0 {
		t.Fatal("want missing tools with an empty PATH")
	}
	found := false
	for _, m := range missing {
		if m == "definitely-not-a-real-engine" {
			found = true
		}
	}
	if !found {
		t.Errorf("got %v, want engine binary listed as missing", missing)
	}
}

func TestMissingToolsDedupesRepeatedNames(t *testing.T) {
	dir := t.TempDir()
	defer os.Setenv("PATH", os.Getenv("PATH"))
	os.Setenv("PATH", dir)

	missing := MissingTools(Options{})
	seen := map[string]int{}
	for _, m := range missing {
		seen[m]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Errorf("tool %q listed %d times, want at most once", name, n)
		}
	}
}

func TestResolveOutputSizeUsesExplicitSize(t *testing.T) {
	r := &recipe.Recipe{Output: recipe.Output{Size: humansize.Size(10 << 20)}}
	got, err := resolveOutputSize(r, &content.Manifest{}, humansize.Unspecified)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got != humansize.Size(10<<20) {
		t.Errorf("got %d, want 10MiB", got)
	}
}

func TestResolveOutputSizeAutoUsesBaseArtifactRoundedToSector(t *testing.T) {
	r := &recipe.Recipe{Output: recipe.Output{Size: humansize.Unspecified}}
	m := &content.Manifest{Artifacts: []content.Artifact{
		{Item: content.WorkItem{Kind: content.KindBase}, Size: humansize.Size(1000)},
	}}
	got, err := resolveOutputSize(r, m, humansize.Unspecified)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got != humansize.Size(1024) {
		t.Errorf("got %d, want 1024 (1000 rounded up to a 512-byte sector)", got)
	}
}

func TestResolveOutputSizeAutoWithoutBaseArtifactFails(t *testing.T) {
	r := &recipe.Recipe{Output: recipe.Output{Size: humansize.Unspecified}}
	_, err := resolveOutputSize(r, &content.Manifest{}, humansize.Unspecified)
	if err == nil {
		t.Fatal("want error")
	}
	if buildkind.Of(err) != buildkind.KindInput {
		t.Errorf("got kind %v, want KindInput", buildkind.Of(err))
	}
}

func TestResolveOutputSizeRejectsExceedingMaxSize(t *testing.T) {
	r := &recipe.Recipe{Output: recipe.Output{Size: humansize.Size(10 << 20)}}
	_, err := resolveOutputSize(r, &content.Manifest{}, humansize.Size(5<<20))
	if err == nil {
		t.Fatal("want error")
	}
	if buildkind.Of(err) != buildkind.KindInput {
		t.Errorf("got kind %v, want KindInput", buildkind.Of(err))
	}
}

func TestRoundUpToSectorLeavesExactMultipleUnchanged(t *testing.T) {
	if got := roundUpToSector(humansize.Size(4096)); got != humansize.Size(4096) {
		t.Errorf("got %d, want 4096", got)
	}
}

func TestCopyTreeMirrorsFilesAndDirs(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "a", "b"), 0o755); err != nil {
		t.Fatalf("fixture: %s", err)
	}
	if err := os.WriteFile(filepath.Join(src, "a", "b", "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("fixture: %s", err)
	}

	dst := t.TempDir()
	if err := copyTree(src, dst); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "a", "b", "f.txt"))
	if err != nil {
		t.Fatalf("reading copied file: %s", err)
	}
	if string(got) != "hi" {
		t.Errorf("got %q, want %q", got, "hi")
	}
}

func TestWriteConfigBlobSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := writeConfigBlob(dir, "offspot.json", nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "offspot.json")); !os.IsNotExist(err) {
		t.Errorf("want no file written for empty blob, got err=%v", err)
	}
}

func TestWriteConfigBlobWritesVerbatim(t *testing.T) {
	dir := t.TempDir()
	blob := []byte(`{"hostname":"example"}`)
	if err := writeConfigBlob(dir, "offspot.json", blob); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "offspot.json"))
	if err != nil {
		t.Fatalf("reading written blob: %s", err)
	}
	if string(got) != string(blob) {
		t.Errorf("got %q, want %q", got, blob)
	}
}

func TestPopulateWritesBothConfigBlobsAndStagedTrees(t *testing.T) {
	buildDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(buildDir, "data", "www"), 0o755); err != nil {
		t.Fatalf("fixture: %s", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "data", "www", "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("fixture: %s", err)
	}
	if err := os.MkdirAll(filepath.Join(buildDir, "docker-area", "my-image"), 0o755); err != nil {
		t.Fatalf("fixture: %s", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "docker-area", "my-image", "layer.tar"), []byte("x"), 0o644); err != nil {
		t.Fatalf("fixture: %s", err)
	}

	mountPoint := t.TempDir()
	r := &recipe.Recipe{Offspot: []byte(`{"a":1}`)}
	if err := populate(buildDir, mountPoint, r); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, err := os.Stat(filepath.Join(mountPoint, "www", "index.html")); err != nil {
		t.Errorf("data tree not placed: %s", err)
	}
	if _, err := os.Stat(filepath.Join(mountPoint, dockerAreaDirName, "my-image", "layer.tar")); err != nil {
		t.Errorf("docker-area tree not placed: %s", err)
	}
	if _, err := os.Stat(filepath.Join(mountPoint, "offspot.json")); err != nil {
		t.Errorf("offspot blob not written: %s", err)
	}
	if _, err := os.Stat(filepath.Join(mountPoint, "write_config.json")); !os.IsNotExist(err) {
		t.Errorf("want no write_config.json for an empty blob, got err=%v", err)
	}
}
