// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package humansize parses and formats the human-readable sizes and
// durations used throughout recipes and cache policies - "1G", "2.4GiB",
// "30d", "4w2d" - into plain integers.
package humansize

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned when a size or duration string matches
// neither a known unit suffix nor a bare number.
var ErrInvalidFormat = fmt.Errorf("invalid format")

// Size is a byte count. Unspecified distinguishes "not set in the recipe"
// from an explicit "0", which are not the same thing to cache policies.
type Size int64

// Unspecified marks a Size that was never given a value.
const Unspecified Size = -1

// IsSpecified reports whether this Size was given an explicit value
// (including zero).
func (s Size) IsSpecified() bool { return s != Unspecified }

// binaryUnits covers the unambiguously binary suffixes: bare "K"/"M"/"G"/"T"
// (as a recipe author types them informally, meaning the power-of-1024
// reading) and the explicit "KiB"/"MiB"/"GiB"/"TiB" forms.
var binaryUnits = map[string]int64{
	"B":   1,
	"K":   1024,
	"KIB": 1024,
	"M":   1024 * 1024,
	"MIB": 1024 * 1024,
	"G":   1024 * 1024 * 1024,
	"GIB": 1024 * 1024 * 1024,
	"T":   1024 * 1024 * 1024 * 1024,
	"TIB": 1024 * 1024 * 1024 * 1024,
}

// decimalUnits covers "KB"/"MB"/"GB"/"TB" as powers of 1000, per spec §4.A
// ("decimal units are powers of 1000") and the original's
// humanfriendly.parse_size default. These suffixes are deliberately absent
// from binaryUnits: "10GB" in a recipe or policy.yaml means ten billion
// bytes, not ten gibibytes.
var decimalUnits = map[string]int64{
	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000,
}

// ParseSize parses a human size like "1G", "2.4GiB", "10GB", or "0". An
// empty string yields Unspecified. "KiB"/"MiB"/"GiB"/"TiB" and the bare
// "K"/"M"/"G"/"T" forms are binary (powers of 1024); "KB"/"MB"/"GB"/"TB" are
// decimal (powers of 1000).
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unspecified, nil
	}
	if s == "0" {
		return 0, nil
	}
	num, unit, err := splitNumberUnit(s)
	if err != nil {
		return 0, err
	}
	upper := strings.ToUpper(unit)
	if mult, ok := decimalUnits[upper]; ok {
		return Size(int64(num * float64(mult))), nil
	}
	mult, ok := binaryUnits[upper]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size unit %q", ErrInvalidFormat, unit)
	}
	return Size(int64(num * float64(mult))), nil
}

// FormatSize renders a Size using binary units, picking the largest unit
// that keeps the mantissa readable.
func FormatSize(s Size) string {
	if s == Unspecified {
		return "unspecified"
	}
	v := float64(s)
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%dB", int64(s))
	}
	return fmt.Sprintf("%.1f%s", v, units[i])
}

func splitNumberUnit(s string) (float64, string, error) {
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("%w: %q has no leading number", ErrInvalidFormat, s)
	}
	numStr, unit := s[:i], strings.TrimSpace(s[i:])
	if unit == "" {
		return 0, "", fmt.Errorf("%w: %q has no unit", ErrInvalidFormat, s)
	}
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %s", ErrInvalidFormat, s, err)
	}
	return num, unit, nil
}
