// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachestore

import (
	"strconv"
)

// naturalLess compares two version tokens the way a human would: runs of
// digits compare numerically, everything else compares byte-wise. This is
// what spec.md §4.C calls "natural-sort comparison" for
// keep_identified_versions ("2024-02" sorts after "2024-01", "10" sorts
// after "9").
func naturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ac, bc := a[ai], b[bi]
		if isDigit(ac) && isDigit(bc) {
			aStart, bStart := ai, bi
			for ai < len(a) && isDigit(a[ai]) {
				ai++
			}
			for bi < len(b) && isDigit(b[bi]) {
				bi++
			}
			an, aerr := strconv.ParseUint(a[aStart:ai], 10, 64)
			bn, berr := strconv.ParseUint(b[bStart:bi], 10, 64)
			if aerr == nil && berr == nil {
				if an != bn {
					return an < bn
				}
				continue
			}
			// fall back to lexical comparison of the numeric runs
			if a[aStart:ai] != b[bStart:bi] {
				return a[aStart:ai] < b[bStart:bi]
			}
			continue
		}
		if ac != bc {
			return ac < bc
		}
		ai++
		bi++
	}
	return len(a)-ai < len(b)-bi
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
