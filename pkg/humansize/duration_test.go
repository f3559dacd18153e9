// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package humansize

import (
	"errors"
	"testing"
)

func TestParseDuration(t *testing.T) {
	for _, td := range []struct {
		in   string
		want Duration
	}{
		{"", DurationUnspecified},
		{"0", 0},
		{"30d", 30 * 24 * 60 * 60},
		{"4w2d", (4*7 + 2) * 24 * 60 * 60},
		{"1y", 365 * 24 * 60 * 60},
	} {
		got, err := ParseDuration(td.in)
		if err != nil {
			t.Errorf("%q: unexpected error %s", td.in, err)
			continue
		}
		if got != td.want {
			t.Errorf("%q: want %d, got %d", td.in, td.want, got)
		}
	}
}

func TestParseDurationEquivalence(t *testing.T) {
	a, err := ParseDuration("30d")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseDuration("4w2d")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("30d (%d) != 4w2d (%d)", a, b)
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, in := range []string{"abc", "30x", "d30"} {
		_, err := ParseDuration(in)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%q: want ErrInvalidFormat, got %v", in, err)
		}
	}
}
