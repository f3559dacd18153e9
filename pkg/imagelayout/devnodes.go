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

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/log"
)

const dmsetupTool = "dmsetup"

// EnsureDeviceNodes checks that /dev/loopNpM exists for each of
// partitions 1-3 and, where the kernel did not create one (containerised
// runs commonly lack a partition-scanning loop driver), maps one in with
// a device-mapper linear target spanning exactly that partition's
// sectors on the loop device. Nodes this call creates are recorded so
// Detach can remove them again, and so later steps can find the data
// partition under the path dmsetup actually created it at.
func (m *Manager) EnsureDeviceNodes() error {
	if err := m.requireState(P3Extended); err != nil {
		return err
	}

	parts := []struct {
		num int
		p   Partition
	}{
		{1, m.table.Boot},
		{2, m.table.Root},
		{3, m.table.Data},
	}
	for _, part := range parts {
		devPath := partitionDevPath(m.loopDev, part.num)
		if _, err := os.Stat(devPath); err == nil {
			continue
		}
		name := fmt.Sprintf("%sp%d", loopName(m.loopDev), part.num)
		table := fmt.Sprintf("0 %d linear %s %d", part.p.LengthSector, m.loopDev, part.p.StartSector)
		if out, ok := log.Cmd(exec.Command(dmsetupTool, "create", name, "--table", table)); !ok {
			return fmt.Errorf("%w: creating device node for partition %d: %s", buildkind.ELayout, part.num, out)
		}
		m.createdDMNodes = append(m.createdDMNodes, dmNode{part: part.num, name: name})
		log.Logf("imagelayout: mapped missing %s via dmsetup as %s", devPath, dmDevPath(name))
	}

	m.state = DevicesReady
	return nil
}

// releaseDeviceNodes removes every device-mapper node EnsureDeviceNodes
// created, in reverse creation order, and is safe to call even if none
// were created.
func (m *Manager) releaseDeviceNodes() error {
	for i := len(m.createdDMNodes) - 1; i >= 0; i-- {
		name := m.createdDMNodes[i].name
		if out, ok := log.Cmd(exec.Command(dmsetupTool, "remove", name)); !ok {
			return fmt.Errorf("%w: removing device node %s: %s", buildkind.ELayout, name, out)
		}
	}
	m.createdDMNodes = nil
	return nil
}

// dmDevPath is the conventional path a `dmsetup create <name>` node
// appears at.
func dmDevPath(name string) string {
	return "/dev/mapper/" + name
}

// dataDevPath is the device node to address partition 3 through: the
// dm-mapper node EnsureDeviceNodes created as a fallback, if it had to
// create one, otherwise the kernel-native /dev/loopNpM path.
func (m *Manager) dataDevPath() string {
	for _, n := range m.createdDMNodes {
		if n.part == 3 {
			return dmDevPath(n.name)
		}
	}
	return partitionDevPath(m.loopDev, 3)
}
