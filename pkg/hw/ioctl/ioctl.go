// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package ioctl uses IOCTLs to query block device geometry.
package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type FDer interface {
	Fd() uintptr
}

// Ioctl1 issues an ioctl that writes a single uint64 result through argp.
func Ioctl1(fd uintptr, cmd int) (res uint64, err error) {
	ptr := uintptr(unsafe.Pointer(&res))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(cmd), ptr)
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}
