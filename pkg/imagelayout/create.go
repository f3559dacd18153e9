// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

import (
	"fmt"
	"io"
	"os"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/humansize"
)

// ErrOutputExists is spec.md §4.F's OutputExists: the output path already
// has a file and overwrite was not requested.
var ErrOutputExists = fmt.Errorf("%w: output file exists and overwrite not set", buildkind.EInput)

// New allocates or truncates the output image file described by opts and
// returns a Manager in state Created. Unlike original_source's qemu-img
// based sizing (qemu-img is absent from spec.md §6's required-tool list
// for this core), the file is a plain sparse file grown with Truncate --
// these are raw disk images, not qcow2, so no translation layer is
// needed.
func New(opts Options) (*Manager, error) {
	if !opts.Size.IsSpecified() {
		return nil, fmt.Errorf("%w: output size must be resolved before Create", buildkind.EInput)
	}

	_, err := os.Stat(opts.OutputPath)
	exists := err == nil
	if exists && !opts.Overwrite {
		return nil, ErrOutputExists
	}

	f, err := os.OpenFile(opts.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %s", buildkind.ELayout, opts.OutputPath, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(opts.Size)); err != nil {
		return nil, fmt.Errorf("%w: sizing %s to %s: %s", buildkind.ELayout, opts.OutputPath, humansize.FormatSize(opts.Size), err)
	}

	return &Manager{
		opts:  opts,
		state: Created,
		file:  &imageFile{Path: opts.OutputPath, Size: opts.Size},
	}, nil
}

// SeedBaseImage copies the fetched base image's bytes to the front of
// the output file. It runs in state Created, before Attach, so the loop
// device's first LOOP_SET_STATUS64 sees a complete base image with its
// own partition table rather than a run of zeroes.
func (m *Manager) SeedBaseImage(baseImagePath string) error {
	if err := m.requireState(Created); err != nil {
		return err
	}

	src, err := os.Open(baseImagePath)
	if err != nil {
		return fmt.Errorf("%w: opening base image %s: %s", buildkind.ELayout, baseImagePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(m.opts.OutputPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s for seeding: %s", buildkind.ELayout, m.opts.OutputPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: seeding %s from %s: %s", buildkind.ELayout, m.opts.OutputPath, baseImagePath, err)
	}
	return nil
}
