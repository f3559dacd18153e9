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

const partedTool = "parted"
const partprobeTool = "partprobe"

// ExtendDataPartition deletes and recreates partition 3 at the same
// start sector with a length reaching the end of the device, using
// parted's machine-readable sector-exact interface rather than fdisk.
// original_source instead calls `parted resizepart`; this core follows
// spec.md §4.F's more explicit "delete and recreate" wording, which
// additionally guards against parted backends where resizepart refuses
// to grow a partition that isn't the last one on an MBR-style disk.
func (m *Manager) ExtendDataPartition() error {
	if err := m.requireState(Probed); err != nil {
		return err
	}

	total, err := deviceSectors(m.loopDev)
	if err != nil {
		return fmt.Errorf("%w: reading device sector count: %s", buildkind.ELayout, err)
	}
	startSector := m.table.Data.StartSector
	endSector := total - 1

	if err := runParted(m.loopDev, "rm", "3"); err != nil {
		return fmt.Errorf("%w: removing partition 3: %s", buildkind.ELayout, err)
	}
	if err := runParted(m.loopDev, "mkpart", "primary", "ext4",
		fmt.Sprintf("%ds", startSector), fmt.Sprintf("%ds", endSector)); err != nil {
		return fmt.Errorf("%w: recreating partition 3: %s", buildkind.ELayout, err)
	}

	if out, ok := log.Cmd(exec.Command(partprobeTool, "--summary", m.loopDev)); !ok {
		return fmt.Errorf("%w: %s failed to reread %s: %s", buildkind.ETool, partprobeTool, m.loopDev, out)
	}

	refreshed, err := probePartitionTable(m.loopDev)
	if err != nil {
		return fmt.Errorf("%w: re-probing after resize: %s", buildkind.ELayout, err)
	}
	if refreshed.Data.StartSector != startSector {
		return fmt.Errorf("%w: partition 3 start sector moved from %d to %d", buildkind.ELayout, startSector, refreshed.Data.StartSector)
	}
	m.table = refreshed
	m.state = P3Extended
	return nil
}

// runParted invokes parted in machine-readable, scripted, sector-unit
// mode so output is stable and no confirmation prompt is issued.
func runParted(dev string, args ...string) error {
	full := append([]string{"-m", "-s", dev, "unit", "s"}, args...)
	if out, ok := log.Cmd(exec.Command(partedTool, full...)); !ok {
		return fmt.Errorf("%s: %s", partedTool, out)
	}
	return nil
}
