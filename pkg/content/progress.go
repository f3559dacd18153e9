// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	"sync"
	"time"
)

// Progress is the per-build aggregate the orchestrator reports at ≤ 1Hz,
// per spec.md §4.E step 4. BytesDone, Total, Items and ItemsDone are
// summed over every item seen so far; Speed is not summed: it is the
// speed reported by the one item whose update triggered the report.
type Progress struct {
	BytesDone int64
	Total     int64
	Speed     int64
	Items     int
	ItemsDone int
}

// Percent returns BytesDone/Total as a percentage, or 0 if Total is
// unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return 100 * float64(p.BytesDone) / float64(p.Total)
}

// ProgressFunc receives aggregate progress updates. A nil ProgressFunc is
// a valid, silent default.
type ProgressFunc func(Progress)

// reporter rate-limits calls into a ProgressFunc to at most once per
// minInterval, mirroring aria2DownloadProgressBar's redraw cadence.
type reporter struct {
	fn           ProgressFunc
	minInterval  time.Duration
	mu           sync.Mutex
	last         time.Time
	perItemBytes map[string]int64
	perItemTotal map[string]int64
}

func newReporter(fn ProgressFunc, minInterval time.Duration) *reporter {
	return &reporter{
		fn:           fn,
		minInterval:  minInterval,
		perItemBytes: make(map[string]int64),
		perItemTotal: make(map[string]int64),
	}
}

// update records key's current byte counts and, if the rate limit allows
// or force is true, invokes the ProgressFunc with the aggregate across all
// keys seen so far.
func (r *reporter) update(key string, bytesDone, total, speed int64, force bool) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.perItemBytes[key] = bytesDone
	r.perItemTotal[key] = total

	now := time.Now()
	if !force && now.Sub(r.last) < r.minInterval {
		return
	}
	r.last = now

	p := Progress{Items: len(r.perItemTotal), Speed: speed}
	for k, b := range r.perItemBytes {
		p.BytesDone += b
		p.Total += r.perItemTotal[k]
		if r.perItemTotal[k] > 0 && b >= r.perItemTotal[k] {
			p.ItemsDone++
		}
	}
	r.fn(p)
}
