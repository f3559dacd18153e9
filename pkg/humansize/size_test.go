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

func TestParseSize(t *testing.T) {
	for _, td := range []struct {
		in   string
		want Size
	}{
		{"", Unspecified},
		{"0", 0},
		{"1B", 1},
		{"1K", 1024},
		{"1KiB", 1024},
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
		{"1G", 1024 * 1024 * 1024},
		{"2.4GiB", 2576980377},
		{"10GiB", 10 * 1024 * 1024 * 1024},
	} {
		got, err := ParseSize(td.in)
		if err != nil {
			t.Errorf("%q: unexpected error %s", td.in, err)
			continue
		}
		if got != td.want {
			t.Errorf("%q: want %d, got %d", td.in, td.want, got)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"abc", "1XB", "-1G", "G1"} {
		_, err := ParseSize(in)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%q: want ErrInvalidFormat, got %v", in, err)
		}
	}
}

func TestParseSizeRoundTrip(t *testing.T) {
	for _, x := range []Size{0, 1, 1024, 10 * 1024 * 1024 * 1024} {
		got, err := ParseSize(FormatSize(x))
		if err != nil {
			t.Fatalf("%d: %s", x, err)
		}
		if got != x {
			t.Errorf("round-trip %d: got %d via %q", x, got, FormatSize(x))
		}
	}
}

func TestSizeUnspecified(t *testing.T) {
	if Unspecified.IsSpecified() {
		t.Error("Unspecified reports itself as specified")
	}
	if !Size(0).IsSpecified() {
		t.Error("explicit zero reports as unspecified")
	}
}
