// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package recipe

import (
	"fmt"
	"strings"
)

// Validate checks the static invariants spec.md §3 lists that don't
// require measuring anything on disk: base.source non-empty, exactly one
// of url/content per file, and each file's to at or under /data.
// Capacity and archive-size invariants are
// checked later, once actual sizes are known (pkg/content).
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Base.Source) == "" {
		return fmt.Errorf("recipe: base.source must not be empty")
	}
	for i, f := range r.Files {
		if f.URL != "" && f.Content != "" {
			return fmt.Errorf("recipe: files[%d] (%s): exactly one of url/content, got both", i, f.To)
		}
		if f.URL == "" && f.Content == "" {
			return fmt.Errorf("recipe: files[%d] (%s): exactly one of url/content, got neither", i, f.To)
		}
		if !strings.HasPrefix(f.To, "/data/") && f.To != "/data" {
			return fmt.Errorf("recipe: files[%d]: to=%q must be a descendant of /data", i, f.To)
		}
	}
	return nil
}
