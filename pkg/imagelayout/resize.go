// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

import (
	"fmt"
	"os/exec"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/log"
)

const fsckTool = "fsck.ext4"
const resize2fsTool = "resize2fs"

// ResizeDataPartition runs the mandatory fsck/resize2fs/fsck sequence
// spec.md §4.F requires: mounting a dirty filesystem after a partition
// move has been observed (by original_source, see check_third_partition_
// device's retry logic) to corrupt layout, so the check brackets the
// resize on both sides rather than trusting a single post-resize pass.
func (m *Manager) ResizeDataPartition() error {
	if err := m.requireState(DevicesReady); err != nil {
		return err
	}

	dataDev := m.dataDevPath()

	if err := fsckExt4(dataDev); err != nil {
		return fmt.Errorf("%w: pre-resize fsck of %s: %s", buildkind.ELayout, dataDev, err)
	}
	if out, ok := log.Cmd(exec.Command(resize2fsTool, "-f", dataDev)); !ok {
		return fmt.Errorf("%w: resize2fs %s: %s", buildkind.ELayout, dataDev, out)
	}
	if err := fsckExt4(dataDev); err != nil {
		return fmt.Errorf("%w: post-resize fsck of %s: %s", buildkind.ELayout, dataDev, err)
	}

	m.state = Resized
	return nil
}

// fsckExt4 runs a non-interactive, force, auto-fixing check -- "-y -f" --
// matching original_source's fsck_ext4.
func fsckExt4(dev string) error {
	if out, ok := log.Cmd(exec.Command(fsckTool, "-y", "-f", "-v", dev)); !ok {
		return fmt.Errorf("%s: %s", fsckTool, out)
	}
	return nil
}
