// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package imagelayout

// RequiredTools lists the host binaries this package shells out to, for
// the build driver's MissingTool startup check (spec.md §6). Loop device
// and partition-table access go through the kernel directly and need no
// entry here.
func RequiredTools() []string {
	return []string{partedTool, partprobeTool, dmsetupTool, fsckTool, resize2fsTool, dumpe2fsTool}
}
