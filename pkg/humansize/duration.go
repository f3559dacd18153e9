// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package humansize

import (
	"fmt"
	"strconv"
	"strings"
)

// Duration is a span of time expressed in whole seconds. Unspecified marks
// "not set"; zero means an explicit "0" (no limit at all, in cache-policy
// terms).
type Duration int64

// DurationUnspecified marks a Duration that was never given a value.
const DurationUnspecified Duration = -1

// IsSpecified reports whether this Duration was given an explicit value.
func (d Duration) IsSpecified() bool { return d != DurationUnspecified }

// Seconds returns the duration as a plain second count.
func (d Duration) Seconds() int64 { return int64(d) }

var durationUnits = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 24 * 60 * 60,
	'w': 7 * 24 * 60 * 60,
	'y': 365 * 24 * 60 * 60,
}

// ParseDuration parses a human duration like "30d", "4w2d", or "0". Multiple
// "<number><unit>" groups may be concatenated and are summed, so "4w2d"
// parses the same as "30d". An empty string yields DurationUnspecified.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DurationUnspecified, nil
	}
	if s == "0" {
		return 0, nil
	}
	var total int64
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		if i == start {
			return 0, fmt.Errorf("%w: %q has no leading number at offset %d", ErrInvalidFormat, s, start)
		}
		numStr := s[start:i]
		if i >= len(s) {
			return 0, fmt.Errorf("%w: %q has no unit for %q", ErrInvalidFormat, s, numStr)
		}
		unit := s[i]
		mult, ok := durationUnits[unit]
		if !ok {
			return 0, fmt.Errorf("%w: unknown duration unit %q", ErrInvalidFormat, string(unit))
		}
		i++
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %s", ErrInvalidFormat, s, err)
		}
		total += int64(num * float64(mult))
	}
	return Duration(total), nil
}

// FormatDuration renders a Duration as the largest whole unit that divides
// it evenly, falling back to seconds.
func FormatDuration(d Duration) string {
	if d == DurationUnspecified {
		return "unspecified"
	}
	secs := int64(d)
	if secs == 0 {
		return "0s"
	}
	for _, u := range []struct {
		suffix string
		size   int64
	}{
		{"y", durationUnits['y']},
		{"w", durationUnits['w']},
		{"d", durationUnits['d']},
		{"h", durationUnits['h']},
		{"m", durationUnits['m']},
	} {
		if secs%u.size == 0 {
			return fmt.Sprintf("%d%s", secs/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%ds", secs)
}
