// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import "github.com/offspot/image-creator/pkg/humansize"

// Artifact is one entry in a Manifest: a work item's final, on-disk
// result, ready for the image layout manager to place or already placed.
type Artifact struct {
	Item      WorkItem
	Path      string
	Size      humansize.Size
	FromCache bool
}

// Manifest is Run's output: spec.md §4.E's "manifest of on-disk artifacts
// ready to be placed inside the image".
type Manifest struct {
	Artifacts []Artifact
}

func (m *Manifest) add(a Artifact) {
	m.Artifacts = append(m.Artifacts, a)
}
