// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/offspot/image-creator/pkg/buildkind"
)

// base64Tag is the documented prefix (spec.md §4.E step 6, §8 example 2)
// marking a content payload as base64-encoded rather than plain UTF-8.
const base64Tag = "base64:"

// decodeContent returns raw's bytes: base64-decoded if raw starts with
// base64Tag, otherwise the UTF-8 bytes of raw itself.
func decodeContent(raw string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(raw, base64Tag); ok {
		data, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding base64 content: %s", buildkind.EInput, err)
		}
		return data, nil
	}
	return []byte(raw), nil
}
