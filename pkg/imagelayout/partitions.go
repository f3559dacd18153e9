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
	"strconv"
	"strings"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/hw/ioctl"
)

// Partition is one table entry: a sector-exact {start, length} pair as
// the kernel sees it, derived from /sys/block rather than fdisk/lsblk
// per spec.md §4.F.
type Partition struct {
	StartSector  int64
	LengthSector int64
}

// PartitionTable is the ordered {boot, root, data} triple spec.md §2
// names. Only Data is ever mutated by this package.
type PartitionTable struct {
	SectorSize int64
	Boot       Partition
	Root       Partition
	Data       Partition
}

// Probe reads partitions 1-3 of the attached loop device directly from
// the kernel's sysfs view (/sys/block/loopN/loopNpM/{start,size}) and the
// device's sector size via a BLKSSZGET ioctl, never shelling lsblk.
func (m *Manager) Probe() error {
	if err := m.requireState(Attached); err != nil {
		return err
	}

	t, err := probePartitionTable(m.loopDev)
	if err != nil {
		return fmt.Errorf("%w: probing %s: %s", buildkind.ELayout, m.loopDev, err)
	}
	m.table = t
	m.state = Probed
	return nil
}

func probePartitionTable(loopDev string) (PartitionTable, error) {
	f, err := os.Open(loopDev)
	if err != nil {
		return PartitionTable{}, err
	}
	defer f.Close()

	sectorSize, err := ioctl.BlkGetSectorSize(f)
	if err != nil {
		return PartitionTable{}, fmt.Errorf("BLKSSZGET: %w", err)
	}

	name := loopName(loopDev)
	t := PartitionTable{SectorSize: int64(sectorSize)}
	parts := make([]*Partition, 3)
	parts[0], parts[1], parts[2] = &t.Boot, &t.Root, &t.Data
	for i, p := range parts {
		n := i + 1
		start, err := readSysfsInt(fmt.Sprintf("/sys/block/%s/%sp%d/start", name, name, n))
		if err != nil {
			return PartitionTable{}, fmt.Errorf("reading partition %d start: %w", n, err)
		}
		length, err := readSysfsInt(fmt.Sprintf("/sys/block/%s/%sp%d/size", name, name, n))
		if err != nil {
			return PartitionTable{}, fmt.Errorf("reading partition %d size: %w", n, err)
		}
		p.StartSector = start
		p.LengthSector = length
	}
	return t, nil
}

func readSysfsInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}

// deviceSectors is the total sector count of the attached loop device,
// used to compute partition 3's new end sector. Read via a BLKGETSIZE64
// ioctl rather than /sys/block's "size" file, so the device's total size
// comes from the same kernel interface Probe already uses for its
// sector size (BLKSSZGET).
func deviceSectors(loopDev string) (int64, error) {
	f, err := os.Open(loopDev)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	totalBytes, err := ioctl.BlkGetSize64(f)
	if err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64: %w", err)
	}
	sectorSize, err := ioctl.BlkGetSectorSize(f)
	if err != nil {
		return 0, fmt.Errorf("BLKSSZGET: %w", err)
	}
	return int64(totalBytes) / int64(sectorSize), nil
}
