// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package buildkind is the error-kind taxonomy spec.md §7 names: seven
// package-level sentinels, matched with errors.Is, that the build driver
// maps to exit codes.
package buildkind

import "errors"

var (
	// EInput: recipe invalid, unknown options, conflicting fields.
	EInput = errors.New("input error")
	// EResolution: URL unreachable, HEAD/GET inconsistency, unknown OCI image.
	EResolution = errors.New("resolution error")
	// EDownload: network failure after retries, checksum mismatch, unexpected size.
	EDownload = errors.New("download error")
	// ECache: policy parse error, lock busy, version mismatch, disk full during admission.
	ECache = errors.New("cache error")
	// ELayout: partition table unreadable, resize failure, mount failure.
	ELayout = errors.New("layout error")
	// ETool: required subprocess missing, crashed, or returned non-zero.
	ETool = errors.New("tool error")
	// ECancelled: user interrupt.
	ECancelled = errors.New("cancelled")
)

// Kind identifies which of the above sentinels an error carries.
type Kind string

const (
	KindInput      Kind = "InputError"
	KindResolution Kind = "ResolutionError"
	KindDownload   Kind = "DownloadError"
	KindCache      Kind = "CacheError"
	KindLayout     Kind = "LayoutError"
	KindTool       Kind = "ToolError"
	KindCancelled  Kind = "Cancelled"
	KindUnknown    Kind = ""
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{EInput, KindInput},
	{EResolution, KindResolution},
	{EDownload, KindDownload},
	{ECache, KindCache},
	{ELayout, KindLayout},
	{ETool, KindTool},
	{ECancelled, KindCancelled},
}

// Of walks err's chain and returns the matched Kind, or KindUnknown if
// none of the seven sentinels appear in it.
func Of(err error) Kind {
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	return KindUnknown
}

// ExitCode maps a Kind to the process exit code spec.md §6 specifies.
func ExitCode(k Kind) int {
	switch k {
	case KindInput:
		return 1
	case KindDownload, KindResolution:
		return 2
	case KindLayout:
		return 3
	case KindCache:
		return 4
	case KindCancelled:
		return 130
	default:
		return 1
	}
}
