// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package buildkind

import (
	"fmt"
	"testing"
)

func TestOfUnwrapsWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("parsing recipe: %w: missing base.source", EInput)
	if got := Of(err); got != KindInput {
		t.Errorf("got %s, want %s", got, KindInput)
	}
}

func TestOfReturnsUnknownForPlainError(t *testing.T) {
	if got := Of(fmt.Errorf("something else")); got != KindUnknown {
		t.Errorf("got %s, want unknown", got)
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInput: 1, KindDownload: 2, KindResolution: 2,
		KindLayout: 3, KindCache: 4, KindCancelled: 130,
	}
	for k, want := range cases {
		if got := ExitCode(k); got != want {
			t.Errorf("ExitCode(%s) = %d, want %d", k, got, want)
		}
	}
}
