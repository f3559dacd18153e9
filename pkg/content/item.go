// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/cachepolicy"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

// Kind distinguishes the three sources of a WorkItem, per spec.md §4.E
// step 1.
type Kind int

const (
	KindBase Kind = iota
	KindOCIImage
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindOCIImage:
		return "oci_image"
	default:
		return "file"
	}
}

// WorkItem is one unit of Plan's output: either a network fetch (URL set)
// or an inline-content placement (Content set), never both.
type WorkItem struct {
	Kind Kind

	// Identity, shared with the cache layer.
	Class      cachepolicy.Class
	Source     string
	Identifier string
	Version    string

	// Fetch inputs. Exactly one of URL/Content is set for file items; base
	// and OCI items always have URL set (they have no inline form).
	URL     string
	Content string

	DeclaredSize humansize.Size
	Checksum     digest.Digest

	// Via selects archive expansion for file items; zero value for base
	// and OCI items, which have their own post-processing (§4.E step 6).
	Via recipe.ArchiveKind

	// Dest is the final placement: a /data-relative path for files, the
	// ident for OCI images, unused for the base image (the layout manager
	// owns the output file path).
	Dest string
}

// Plan enumerates r's work items, per spec.md §4.E step 1: one for the
// base image, one per OCI image, one per file with a url. content-only
// files produce zero network items but are still planned, since their
// placement still has to happen in step 6.
func Plan(r *recipe.Recipe) []WorkItem {
	items := make([]WorkItem, 0, 1+len(r.OCIImages)+len(r.Files))

	items = append(items, WorkItem{
		Kind:         KindBase,
		Class:        cachepolicy.ClassFile,
		Source:       r.Base.Source,
		URL:          r.Base.Source,
		DeclaredSize: r.Base.RootSize,
	})

	for _, img := range r.OCIImages {
		items = append(items, WorkItem{
			Kind:         KindOCIImage,
			Class:        cachepolicy.ClassOCIImage,
			Source:       img.URL,
			Identifier:   ociIdentifier(img.URL),
			Version:      ociVersion(img.URL),
			URL:          img.URL,
			DeclaredSize: img.FileSize,
			Dest:         img.Ident,
		})
	}

	for _, f := range r.Files {
		wi := WorkItem{
			Kind:         KindFile,
			Class:        cachepolicy.ClassFile,
			Source:       f.URL,
			URL:          f.URL,
			Content:      f.Content,
			Via:          f.Via,
			DeclaredSize: f.Size,
			Checksum:     f.Checksum,
			Dest:         f.To,
		}
		if f.URL != "" {
			wi.Identifier, wi.Version = fileIdentifier(f.URL)
		}
		items = append(items, wi)
	}

	return items
}
