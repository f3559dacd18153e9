// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

// postProcess implements spec.md §4.E step 6 for one item, given its
// already-resolved blob on disk.
func (o *Orchestrator) postProcess(item WorkItem, fetched fetchResult) (Artifact, error) {
	switch item.Kind {
	case KindBase:
		return o.placeBase(item, fetched)
	case KindOCIImage:
		return o.extractOCI(item, fetched)
	default:
		return o.placeFile(item, fetched)
	}
}

// placeBase resolves the base image to a plain, seekable disk image. A
// base source whose name ends in .xz is decompressed into the build
// directory here, mirroring
// original_source's DownloadImage.run_compressed/extract, rather than at
// the point the image layout manager seeds the output file -- the layout
// manager deals only in raw bytes.
func (o *Orchestrator) placeBase(item WorkItem, fetched fetchResult) (Artifact, error) {
	if !strings.HasSuffix(strings.ToLower(item.Source), ".xz") {
		return Artifact{Item: item, Path: fetched.path, Size: humansize.Size(fetched.size), FromCache: fetched.fromCache}, nil
	}

	dest := filepath.Join(o.opts.BuildDir, "base", strings.TrimSuffix(filepath.Base(fetched.path), ".xz"))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: creating base extraction dir: %s", buildkind.ELayout, err)
	}

	f, err := os.Open(fetched.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: opening base image %s: %s", buildkind.EDownload, item.Source, err)
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: opening xz stream for base image: %s", buildkind.EDownload, err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: creating %s: %s", buildkind.ELayout, dest, err)
	}
	defer out.Close()
	size, err := io.Copy(out, xr)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: extracting base image: %s", buildkind.EDownload, err)
	}
	return Artifact{Item: item, Path: dest, Size: humansize.Size(size), FromCache: fetched.fromCache}, nil
}

// extractOCI extracts the exported OCI tarball into a per-image directory
// that mirrors the image's Docker storage area; the build driver copies
// this tree verbatim into the mounted image during the "populated"
// transition (§4.F).
func (o *Orchestrator) extractOCI(item WorkItem, fetched fetchResult) (Artifact, error) {
	destDir := filepath.Join(o.opts.BuildDir, "docker-area", item.Dest)
	f, err := os.Open(fetched.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: opening OCI export %s: %s", buildkind.EDownload, item.Source, err)
	}
	defer f.Close()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: creating OCI extraction dir: %s", buildkind.ELayout, err)
	}
	size, err := expandTar(f, destDir)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Item: item, Path: destDir, Size: humansize.Size(size), FromCache: fetched.fromCache}, nil
}

// placeFile stages a file item (direct copy or archive expansion) under
// BuildDir's "data" staging tree, at the path its final /data-relative
// destination maps to once that tree is copied onto the mounted data
// partition.
func (o *Orchestrator) placeFile(item WorkItem, fetched fetchResult) (Artifact, error) {
	dest := filepath.Join(o.opts.BuildDir, "data", dataRelPath(item.Dest))

	if item.Via == "" || item.Via == recipe.ViaDirect {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return Artifact{}, fmt.Errorf("%w: creating dir for %s: %s", buildkind.ELayout, item.Dest, err)
		}
		if err := copyFile(fetched.path, dest); err != nil {
			return Artifact{}, fmt.Errorf("%w: copying %s: %s", buildkind.ELayout, item.Dest, err)
		}
		return Artifact{Item: item, Path: dest, Size: humansize.Size(fetched.size), FromCache: fetched.fromCache}, nil
	}

	if err := expandArchive(fetched.path, dest, item.Via, item.DeclaredSize); err != nil {
		return Artifact{}, err
	}
	return Artifact{Item: item, Path: dest, FromCache: fetched.fromCache}, nil
}

// dataRelPath strips a recipe destination's leading "/data" so it can be
// joined under a staging root without nesting an extra "data" level.
func dataRelPath(dest string) string {
	rel := strings.TrimPrefix(dest, "/data")
	return strings.TrimPrefix(rel, "/")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
