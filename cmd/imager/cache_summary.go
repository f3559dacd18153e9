// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package main

import (
	"fmt"

	"code.cloudfoundry.org/clock"

	"github.com/offspot/image-creator/pkg/build"
	"github.com/offspot/image-creator/pkg/cachepolicy"
	"github.com/offspot/image-creator/pkg/cachestore"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/log"
)

// printCacheSummary opens dir read-only-in-spirit (Open still takes the
// cache lock, same as a real build would) and prints one line per entry
// plus a per-class total, answering the --show-cache flag entrypoint.py
// doesn't have but original_source's cache tooling (CheckRequirements's
// disk-space reasoning over the cache) implies is useful standalone.
func printCacheSummary(dir string) {
	policy, err := build.LoadPolicy(dir)
	if err != nil {
		log.Logf("imager: --show-cache: %s", err)
		return
	}
	store, err := cachestore.Open(dir, policy, clock.NewClock())
	if err != nil {
		log.Logf("imager: --show-cache: opening %s: %s", dir, err)
		return
	}
	defer store.Close()

	entries := store.Entries()
	if len(entries) == 0 {
		fmt.Println("cache is empty")
		return
	}

	totals := map[cachepolicy.Class]int64{}
	for _, e := range entries {
		fmt.Printf("%-10s %-40s %10s  %s\n", e.Class, e.Identifier, humansize.FormatSize(humansize.Size(e.SizeBytes)), e.Source)
		totals[e.Class] += e.SizeBytes
	}
	for class, total := range totals {
		fmt.Printf("total %-10s %s\n", class, humansize.FormatSize(humansize.Size(total)))
	}
}
