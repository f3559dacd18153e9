// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/distribution/reference"
)

// CanonicalFileKey lowercases scheme and host and drops the fragment and
// any userinfo, keeping scheme+host+path+query (spec.md §4.C).
func CanonicalFileKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cachestore: parsing url %q: %w", rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

// CanonicalOCIKey normalises an OCI image reference so that
// "library/foo:latest" and "docker.io/library/foo:latest" key identically.
func CanonicalOCIKey(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("cachestore: parsing image reference %q: %w", ref, err)
	}
	return named.String(), nil
}

// sourceHost returns the comparison basis invariant 3 (spec.md §8) calls
// "same source host": the URL host when source parses as one, or the
// source string verbatim otherwise (e.g. a bare OCI repository name with
// no scheme).
func sourceHost(source string) string {
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return source
}

// blobShard returns the sharded on-disk path for a logical cache key:
// blobs/<aa>/<bb>/<fullkey-digest>, per spec.md §4.C and §6. The digest
// (not the logical key) is used as the filename, since logical keys are
// arbitrary URLs and not filesystem-safe.
func blobShard(key string) (dir, fullpath string) {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	dir = digest[:2] + "/" + digest[2:4]
	fullpath = dir + "/" + digest
	return
}
