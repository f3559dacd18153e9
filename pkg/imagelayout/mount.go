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

	"golang.org/x/sys/unix"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/log"
)

// MountData mounts partition 3 read-write at a fresh temporary directory
// and records the mount point. Uses the kernel's mount(2) syscall
// directly rather than shelling `mount`.
func (m *Manager) MountData() error {
	if err := m.requireState(Resized); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(m.opts.MountRoot, "data-")
	if err != nil {
		return fmt.Errorf("%w: creating mount point: %s", buildkind.ELayout, err)
	}

	dataDev := m.dataDevPath()
	if err := unix.Mount(dataDev, dir, "ext4", 0, ""); err != nil {
		os.Remove(dir)
		return fmt.Errorf("%w: mounting %s on %s: %s", buildkind.ELayout, dataDev, dir, err)
	}

	m.mountPoint = dir
	m.state = Populated
	log.Logf("imagelayout: mounted %s on %s", dataDev, dir)
	return nil
}

// UnmountData flushes pending writes, unmounts partition 3, and removes
// its temporary mount point.
func (m *Manager) UnmountData() error {
	if m.mountPoint == "" {
		return nil
	}

	unix.Sync()
	if out, ok := log.Cmd(exec.Command("sync", "-f", m.mountPoint)); !ok {
		log.Logf("imagelayout: sync -f %s: %s (continuing)", m.mountPoint, out)
	}

	if err := unix.Unmount(m.mountPoint, 0); err != nil {
		return fmt.Errorf("%w: unmounting %s: %s", buildkind.ELayout, m.mountPoint, err)
	}
	os.Remove(m.mountPoint)
	m.mountPoint = ""
	m.state = Unmounted
	return nil
}
