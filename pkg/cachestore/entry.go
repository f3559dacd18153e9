// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachestore

import (
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/cachepolicy"
)

// CacheEntry is the persisted record for one cached artifact, per
// spec.md §3.
type CacheEntry struct {
	Key        string           `json:"key"`
	Class      cachepolicy.Class `json:"class"`
	Source     string           `json:"source"`
	Identifier string           `json:"identifier,omitempty"`
	Version    string           `json:"version,omitempty"`
	SizeBytes  int64            `json:"size_bytes"`
	Checksum   digest.Digest    `json:"checksum,omitempty"`
	AddedOn    time.Time        `json:"added_on"`
	LastUsedOn time.Time        `json:"last_used_on"`
	CheckedOn  time.Time        `json:"checked_on"`
	BlobPath   string           `json:"blob_path"`
}

func (e *CacheEntry) sourceHost() string { return sourceHost(e.Source) }
