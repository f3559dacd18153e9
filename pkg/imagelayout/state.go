// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package imagelayout is the Image Layout Manager, Component F: it owns
// the output image file, the loop device it is attached to, and the
// partition-3 resize/mount sequence, per spec.md §4.F.
package imagelayout

import (
	"fmt"
	"os"

	"github.com/offspot/image-creator/pkg/humansize"
)

// State is a node of the state machine spec.md §4.F draws out. Transitions
// only ever move forward during a build; Close unwinds in reverse,
// regardless of which forward state was last reached.
type State int

const (
	Created State = iota
	Attached
	Probed
	P3Extended
	DevicesReady
	Resized
	Populated
	Unmounted
	Detached
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Attached:
		return "attached"
	case Probed:
		return "probed"
	case P3Extended:
		return "p3-extended"
	case DevicesReady:
		return "devices-ready"
	case Resized:
		return "resized"
	case Populated:
		return "populated"
	case Unmounted:
		return "unmounted"
	case Detached:
		return "detached"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	// OutputPath is the final image file location.
	OutputPath string
	// Size is the requested final image size; humansize.Unspecified means
	// "use the base image's decompressed size" and must be resolved by
	// the caller before New (the manager never inspects the base
	// image itself).
	Size humansize.Size
	// Overwrite permits truncating an existing file at OutputPath.
	Overwrite bool
	// MountRoot is the parent directory under which partition 3's
	// temporary mount point is created; defaults to os.TempDir() if
	// empty.
	MountRoot string
	// Debug is stored with the options, but no step of the Manager reads
	// it: log.Cmd logs a failing command's arguments, error and combined
	// output whether or not it is set.
	Debug bool
}

// Manager drives one output image through the state machine. It is not
// safe for concurrent use -- spec.md §4.F requires image-file and loop-
// device mutations to be strictly sequential.
type Manager struct {
	opts Options

	state State

	file *imageFile

	loopDev string
	loopF   *os.File

	table PartitionTable

	createdDMNodes []dmNode

	mountPoint string
}

// dmNode records a device-mapper node EnsureDeviceNodes created as a
// fallback for one partition, so later steps that need that partition's
// device address it by the path dmsetup actually created rather than
// assuming the kernel-native /dev/loopNpM name.
type dmNode struct {
	part int
	name string
}

// imageFile is the on-disk output image, opened or created by New.
type imageFile struct {
	Path string
	Size humansize.Size
}

func (m *Manager) State() State { return m.state }

func (m *Manager) LoopDevice() string { return m.loopDev }

func (m *Manager) PartitionTable() PartitionTable { return m.table }

func (m *Manager) MountPoint() string { return m.mountPoint }

// ErrWrongState is returned when a transition is attempted out of order;
// this should never happen given the build driver's fixed pipeline, so
// seeing it indicates a bug in the caller rather than bad input.
type ErrWrongState struct {
	Want, Got State
}

func (e ErrWrongState) Error() string {
	return fmt.Sprintf("imagelayout: expected state %s, got %s", e.Want, e.Got)
}

func (m *Manager) requireState(want State) error {
	if m.state != want {
		return ErrWrongState{Want: want, Got: m.state}
	}
	return nil
}
