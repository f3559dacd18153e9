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
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/log"
)

const loopControlPath = "/dev/loop-control"

// Attach finds a free loop device, associates it with the output image
// and records its path. Never shells out to losetup: the kernel's
// loop-control and per-device ioctls are used directly.
func (m *Manager) Attach() error {
	if err := m.requireState(Created); err != nil {
		return err
	}

	loopDev, f, err := attachLoop(m.opts.OutputPath)
	if err != nil {
		return fmt.Errorf("%w: attaching loop device: %s", buildkind.ELayout, err)
	}
	m.loopDev = loopDev
	m.loopF = f
	m.state = Attached
	log.Logf("imagelayout: attached %s to %s", m.opts.OutputPath, loopDev)
	return nil
}

// attachLoop finds a free loop device via /dev/loop-control and binds
// backingFile to it, partition-scanning enabled so the kernel creates
// /dev/loopNpM nodes when it can. The returned *os.File keeps the loop
// device open; closing it does not clear the loop binding (autoclear is
// not set), matching detach-by-explicit-ioctl below.
func attachLoop(backingFile string) (string, *os.File, error) {
	back, err := os.OpenFile(backingFile, os.O_RDWR, 0)
	if err != nil {
		return "", nil, fmt.Errorf("opening backing file: %w", err)
	}
	defer back.Close()

	for retry := 0; retry < 16; retry++ {
		num, err := getFreeLoopDev()
		if err != nil {
			return "", nil, err
		}
		loopPath := fmt.Sprintf("/dev/loop%d", num)

		loop, err := os.OpenFile(loopPath, os.O_RDWR, 0)
		if err != nil {
			return "", nil, fmt.Errorf("opening %s: %w", loopPath, err)
		}

		if err := ioctlLoopSetFd(loop.Fd(), back.Fd()); err != nil {
			loop.Close()
			if isEBUSY(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return "", nil, fmt.Errorf("LOOP_SET_FD on %s: %w", loopPath, err)
		}

		info := unix.LoopInfo64{}
		copy(info.File_name[:], backingFile)
		info.Flags = unix.LO_FLAGS_PARTSCAN
		if err := ioctlLoopSetStatus64(loop.Fd(), &info); err != nil {
			_ = ioctlLoopClrFd(loop.Fd())
			loop.Close()
			return "", nil, fmt.Errorf("LOOP_SET_STATUS64 on %s: %w", loopPath, err)
		}

		return loopPath, loop, nil
	}
	return "", nil, fmt.Errorf("no free loop device after retries")
}

func getFreeLoopDev() (int, error) {
	ctrl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", loopControlPath, err)
	}
	defer ctrl.Close()

	// LOOP_CTL_GET_FREE returns the free device's minor number directly
	// in the ioctl's return value rather than writing through argp.
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, ctrl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

func ioctlLoopSetFd(loopFd, backFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, unix.LOOP_SET_FD, backFd)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlLoopSetStatus64(loopFd uintptr, info *unix.LoopInfo64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, unix.LOOP_SET_STATUS64, uintptr(unsafe.Pointer(info)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlLoopClrFd(loopFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFd, unix.LOOP_CLR_FD, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func isEBUSY(err error) bool {
	return strings.Contains(err.Error(), "device or resource busy")
}

// Detach clears the loop binding. It is safe to call from any state at
// or after Attached, and is idempotent once the binding is cleared --
// the build driver's failure-unwind path calls it unconditionally.
func (m *Manager) Detach() error {
	if m.loopDev == "" {
		return nil
	}
	if err := ioctlLoopClrFd(m.loopF.Fd()); err != nil {
		return fmt.Errorf("%w: detaching %s: %s", buildkind.ELayout, m.loopDev, err)
	}
	m.loopF.Close()
	log.Logf("imagelayout: detached %s", m.loopDev)
	m.loopDev = ""
	m.loopF = nil
	m.state = Detached
	return nil
}

// partitionDevPath is the conventional /dev/loopNpM name for partition
// part of loopDev.
func partitionDevPath(loopDev string, part int) string {
	return fmt.Sprintf("%sp%d", loopDev, part)
}

func loopName(loopDev string) string {
	return filepath.Base(loopDev)
}
