// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/log"
)

// marginSectors pads the shrink target past resize2fs's own minimum-size
// estimate so growth during first boot (journal replay, lost+found,
// lazy inode tables) doesn't immediately re-fragment a filesystem sized
// to the exact byte.
const marginSectors = 64 * 1024 * 1024 / 512 // 64MiB

const dumpe2fsTool = "dumpe2fs"

var reMinBlocks = regexp.MustCompile(`(?i)minimum size of the filesystem:\s*(\d+)`)

// Shrink is spec.md §4.F's optional final step: shrink partition 3's
// filesystem to its measured minimum plus margin, shrink the partition
// to match, then truncate the backing file. Not present in
// original_source (whose images are always grown, never shrunk); this
// reuses the resize2fs/parted subprocess idiom already established by
// ResizeDataPartition/ExtendDataPartition for a spec-only feature.
func (m *Manager) Shrink() error {
	if err := m.requireState(Unmounted); err != nil {
		return err
	}

	dataDev := m.dataDevPath()

	if err := fsckExt4(dataDev); err != nil {
		return fmt.Errorf("%w: pre-shrink fsck of %s: %s", buildkind.ELayout, dataDev, err)
	}

	minBlocks, blockSize, err := minimumFsSize(dataDev)
	if err != nil {
		return fmt.Errorf("%w: measuring minimum size of %s: %s", buildkind.ELayout, dataDev, err)
	}
	minSectors := minBlocks * blockSize / 512
	targetSectors := minSectors + marginSectors

	targetBlocks := targetSectors * 512 / blockSize
	if out, ok := log.Cmd(exec.Command(resize2fsTool, dataDev, strconv.FormatInt(targetBlocks, 10))); !ok {
		return fmt.Errorf("%w: shrinking filesystem on %s: %s", buildkind.ELayout, dataDev, out)
	}
	if err := fsckExt4(dataDev); err != nil {
		return fmt.Errorf("%w: post-shrink fsck of %s: %s", buildkind.ELayout, dataDev, err)
	}

	newEnd := m.table.Data.StartSector + targetSectors - 1
	if err := runParted(m.loopDev, "resizepart", "3", fmt.Sprintf("%ds", newEnd)); err != nil {
		return fmt.Errorf("%w: shrinking partition 3: %s", buildkind.ELayout, err)
	}
	m.table.Data.LengthSector = targetSectors

	finalBytes := (newEnd + 1) * 512
	if err := os.Truncate(m.opts.OutputPath, finalBytes); err != nil {
		return fmt.Errorf("%w: truncating %s: %s", buildkind.ELayout, m.opts.OutputPath, err)
	}
	log.Logf("imagelayout: shrunk %s to %d bytes", m.opts.OutputPath, finalBytes)
	return nil
}

// minimumFsSize returns resize2fs's minimum-size estimate for dev, in
// filesystem blocks, and the filesystem's block size in bytes.
func minimumFsSize(dev string) (minBlocks, blockSize int64, err error) {
	out, ok := log.Cmd(exec.Command(resize2fsTool, "-P", dev))
	if !ok {
		return 0, 0, fmt.Errorf("%s -P: %s", resize2fsTool, out)
	}
	m := reMinBlocks.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("could not parse %s -P output: %s", resize2fsTool, out)
	}
	minBlocks, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	dumpOut, ok := log.Cmd(exec.Command(dumpe2fsTool, "-h", dev))
	if !ok {
		return 0, 0, fmt.Errorf("dumpe2fs -h: %s", dumpOut)
	}
	bs := regexp.MustCompile(`(?i)block size:\s*(\d+)`).FindStringSubmatch(dumpOut)
	if bs == nil {
		return 0, 0, fmt.Errorf("could not parse block size from dumpe2fs output")
	}
	blockSize, err = strconv.ParseInt(bs[1], 10, 64)
	return minBlocks, blockSize, err
}
