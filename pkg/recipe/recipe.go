// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package recipe holds the typed records the excluded YAML layer hands
// across the boundary into the core, per spec.md §3. Nothing in this
// package parses YAML; it only describes the shapes A-G consume.
package recipe

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/humansize"
)

// Base describes the starting disk image.
type Base struct {
	// Source is either a version string (resolved by the excluded
	// resolution layer to a URL) or a URL, never empty.
	Source   string
	RootSize humansize.Size
}

// Output describes the file the build driver writes.
type Output struct {
	Path string
	// Size is humansize.Unspecified for "auto": the decompressed base
	// image's size, rounded up to a sector (see SPEC_FULL.md §9).
	Size   humansize.Size
	Shrink bool
}

// OCIImage is one exported-tarball OCI image to place in the image.
type OCIImage struct {
	Ident    string
	URL      string
	FileSize humansize.Size
	FullSize humansize.Size
}

// ArchiveKind names the supported archive expansion methods for a File.
type ArchiveKind string

const (
	ViaDirect ArchiveKind = "direct"
	ViaTar    ArchiveKind = "tar"
	ViaGzTar  ArchiveKind = "gztar"
	ViaBzTar  ArchiveKind = "bztar"
	ViaXzTar  ArchiveKind = "xztar"
	ViaZip    ArchiveKind = "zip"
)

// File is one downloaded or inline-content item to place under /data.
type File struct {
	// To is the destination path, always a descendant of /data.
	To string
	// Exactly one of URL/Content is set.
	URL     string
	Content string
	Via     ArchiveKind
	// Size is the declared size: for archives, the expanded size;
	// humansize.Unspecified when not declared.
	Size     humansize.Size
	Checksum digest.Digest
}

// Recipe is the input to the core, produced by the excluded YAML layer.
type Recipe struct {
	Base      Base
	Output    Output
	OCIImages []OCIImage
	Files     []File
	// Offspot and WriteConfig are opaque to the core; the excluded
	// boot-time config writer interprets them.
	Offspot     json.RawMessage
	WriteConfig json.RawMessage
}
