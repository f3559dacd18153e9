// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package dlengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// verifyChecksum streams path through the algorithm named by want and
// compares against it. Used only when the engine itself did not already
// verify the download, per spec.md §4.D.
func verifyChecksum(path string, want digest.Digest) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("dlengine: invalid declared checksum %q: %w", want, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dlengine: opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	verifier := want.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return fmt.Errorf("dlengine: hashing %s: %w", path, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return nil
}

// headContentLength issues a HEAD request and returns the declared
// Content-Length, used as the last-resort source of a download's total
// size per spec.md §4.D.
func headContentLength(ctx context.Context, uri string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.ContentLength <= 0 {
		return 0, fmt.Errorf("dlengine: HEAD %s: no content-length", uri)
	}
	return resp.ContentLength, nil
}
