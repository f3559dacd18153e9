// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

import (
	"fmt"

	"github.com/offspot/image-creator/pkg/log"
)

// Close unwinds everything this Manager acquired, in reverse order,
// regardless of which forward state it last reached. It is the single
// release path for both the success and failure routes (§5): the build
// driver calls it unconditionally, once.
//
// Close is best-effort past the first failure: it keeps going and
// returns the first error encountered so a stuck unmount doesn't also
// suppress a needed dmsetup cleanup.
func (m *Manager) Close() error {
	var first error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		log.Logf("imagelayout: %s during release: %s", step, err)
		if first == nil {
			first = err
		}
	}

	if m.mountPoint != "" {
		record("unmount", m.UnmountData())
	}
	if len(m.createdDMNodes) > 0 {
		record("device node cleanup", m.releaseDeviceNodes())
	}
	if m.loopDev != "" {
		record("detach", m.Detach())
	}

	m.state = Released
	if first != nil {
		return fmt.Errorf("imagelayout: release incomplete: %w", first)
	}
	return nil
}
