// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import "regexp"

// reOCIVersioned and reFilesVersioned split a source string into an
// identifier and a version token for keep_identified_versions (cache
// policy's same-identifier eviction rule), grounded directly on
// RE_OCI_VERSIONED/RE_FILES_VERSIONED.
var (
	reOCIVersioned   = regexp.MustCompile(`^(.+):([^:]+)$`)
	reFilesVersioned = regexp.MustCompile(`^(.+)_(\d{4}-\d{2})\.zim$`)
)

// ociIdentifier returns the repository part of an OCI reference, i.e.
// everything before the last ":tag".
func ociIdentifier(ref string) string {
	if m := reOCIVersioned.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return ref
}

// ociVersion returns the tag part of an OCI reference, or "" if the
// reference carries no recognisable tag.
func ociVersion(ref string) string {
	if m := reOCIVersioned.FindStringSubmatch(ref); m != nil {
		return m[2]
	}
	return ""
}

// fileIdentifier splits a ZIM-style "name_YYYY-MM.zim" filename (taken
// from the tail of a URL) into an identifier and version token. Files
// that don't match the pattern have no identifier, and so never
// participate in keep_identified_versions.
func fileIdentifier(rawURL string) (identifier, version string) {
	name := lastPathSegment(rawURL)
	if m := reFilesVersioned.FindStringSubmatch(name); m != nil {
		return m[1], m[2]
	}
	return "", ""
}

func lastPathSegment(rawURL string) string {
	for i := len(rawURL) - 1; i >= 0; i-- {
		if rawURL[i] == '/' {
			return rawURL[i+1:]
		}
	}
	return rawURL
}
