// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package content

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/offspot/image-creator/pkg/buildkind"
)

// dryCheck implements spec.md §4.E step 2: issue HEAD requests against
// every network item to validate URL reachability and, when the recipe
// declared a size, that the server agrees. It never touches the cache or
// the download engine.
func dryCheck(ctx context.Context, items []WorkItem) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		if item.URL == "" {
			continue
		}
		g.Go(func() error { return checkOne(ctx, item) })
	}
	return g.Wait()
}

func checkOne(ctx context.Context, item WorkItem) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, item.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: building HEAD request for %s: %s", buildkind.EResolution, item.URL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s unreachable: %s", buildkind.EResolution, item.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned HTTP %d", buildkind.EResolution, item.URL, resp.StatusCode)
	}
	if item.DeclaredSize.IsSpecified() && resp.ContentLength > 0 && resp.ContentLength != int64(item.DeclaredSize) {
		return fmt.Errorf("%w: %s declared %d bytes, HEAD reports %d",
			buildkind.EResolution, item.URL, int64(item.DeclaredSize), resp.ContentLength)
	}
	return nil
}
