// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package build

import (
	"fmt"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/content"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

const sectorSize = 512

// resolveOutputSize implements spec.md §4.F's create/overwrite contract:
// output.size, or the decompressed base image's size rounded up to a
// sector when output.size is "auto" (humansize.Unspecified). This is
// original_source's ComputeSizes step, which only ever reads
// output.size verbatim (its "auto" handling is a standing TODO there --
// see steps/sizes.py); resolving "auto" against the fetched base
// artifact's measured size is this core's completion of that TODO.
func resolveOutputSize(r *recipe.Recipe, m *content.Manifest, maxSize humansize.Size) (humansize.Size, error) {
	size := r.Output.Size
	if !size.IsSpecified() {
		base, ok := baseArtifact(m)
		if !ok {
			return 0, fmt.Errorf("%w: output.size is auto but no base image artifact was produced", buildkind.EInput)
		}
		size = roundUpToSector(base.Size)
	}

	if maxSize.IsSpecified() && size > maxSize {
		return 0, fmt.Errorf("%w: resolved output size %s exceeds --max-size %s",
			buildkind.EInput, humansize.FormatSize(size), humansize.FormatSize(maxSize))
	}
	return size, nil
}

func roundUpToSector(s humansize.Size) humansize.Size {
	rem := int64(s) % sectorSize
	if rem == 0 {
		return s
	}
	return s + humansize.Size(sectorSize-rem)
}

// baseArtifact finds the base-image entry in m, the one item Plan always
// produces regardless of recipe content.
func baseArtifact(m *content.Manifest) (content.Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Item.Kind == content.KindBase {
			return a, true
		}
	}
	return content.Artifact{}, false
}
