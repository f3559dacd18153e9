// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package main

import (
	"github.com/offspot/image-creator/pkg/content"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/log"
)

// logProgress is the content.ProgressFunc wired into build.Options,
// printing aggregate download progress the way original_source's
// DownloadsProgress step logs percent-complete lines, rate-limited
// upstream by pkg/content's reporter rather than here.
func logProgress(p content.Progress) {
	log.Msgf("downloading: %s / %s (%.0f%%, %d/%d items)",
		humansize.FormatSize(humansize.Size(p.BytesDone)), humansize.FormatSize(humansize.Size(p.Total)),
		p.Percent(), p.ItemsDone, p.Items)
}
