// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package content implements the Content Orchestrator: given a recipe and
// an open cache, it schedules every base/OCI/file fetch through the cache
// and download engine, expands archives, decodes inline content, and
// produces a manifest of on-disk artifacts for the build driver to place
// into the mounted image.
package content

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/cachestore"
	"github.com/offspot/image-creator/pkg/dlengine"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/log"
	"github.com/offspot/image-creator/pkg/recipe"
)

// Options configures a Run.
type Options struct {
	// BuildDir is scratch space for downloads, archive expansion and OCI
	// extraction; it must already exist.
	BuildDir string
	// Check requests dry-check mode: validate reachability only, then
	// stop, per spec.md §4.E step 2.
	Check bool
	// Progress, if set, receives aggregate download progress at ≤ 1Hz.
	Progress ProgressFunc
}

// Orchestrator is Component E, grounded on original_source's
// FilesProcessor/DownloadingOCIImages steps, reshaped around a single
// per-item pipeline shared by every work item kind.
type Orchestrator struct {
	cache  *cachestore.Store
	engine *dlengine.Engine
	opts   Options

	sf       singleflight.Group
	reporter *reporter
}

// New builds an Orchestrator over an already-open cache and a running
// download engine.
func New(cache *cachestore.Store, engine *dlengine.Engine, opts Options) *Orchestrator {
	return &Orchestrator{
		cache:    cache,
		engine:   engine,
		opts:     opts,
		reporter: newReporter(opts.Progress, time.Second),
	}
}

// Run executes spec.md §4.E's plan/dry-check/resolve/download/admit/
// post-process pipeline over r and returns the resulting manifest. In
// Check mode it returns a nil manifest once reachability validation
// passes.
func (o *Orchestrator) Run(ctx context.Context, r *recipe.Recipe) (*Manifest, error) {
	items := Plan(r)

	if o.opts.Check {
		return nil, dryCheck(ctx, items)
	}

	g, ctx := errgroup.WithContext(ctx)
	artifacts := make([]Artifact, len(items))
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			a, err := o.fetchAndPlace(ctx, item)
			if err != nil {
				return err
			}
			artifacts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{}
	for _, a := range artifacts {
		m.add(a)
	}
	return m, nil
}

// fetchAndPlace runs one item through resolve/download/admit/post-process.
// Concurrent calls sharing the same cache key (item.Class, item.Source)
// collapse into a single in-flight fetch via singleflight, satisfying
// spec.md §4.E's at-most-once guarantee.
func (o *Orchestrator) fetchAndPlace(ctx context.Context, item WorkItem) (Artifact, error) {
	if item.URL == "" {
		return o.placeInlineContent(item)
	}

	key := string(item.Class) + "\x00" + item.Source
	res, err, _ := o.sf.Do(key, func() (interface{}, error) {
		return o.resolveAndFetch(ctx, item)
	})
	if err != nil {
		return Artifact{}, err
	}
	fetched := res.(fetchResult)
	return o.postProcess(item, fetched)
}

// fetchResult is what resolveAndFetch hands to postProcess: a blob on disk
// and whether it came straight from the cache.
type fetchResult struct {
	path      string
	size      int64
	fromCache bool
}

// resolveAndFetch implements spec.md §4.E steps 3-5 for one item: cache
// lookup, download on miss/stale-hit, admission on fresh download.
func (o *Orchestrator) resolveAndFetch(ctx context.Context, item WorkItem) (fetchResult, error) {
	lr, err := o.cache.Lookup(item.Class, item.Source)
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: cache lookup for %s: %s", buildkind.ECache, item.Source, err)
	}

	switch lr.Status {
	case cachestore.Hit:
		return fetchResult{path: o.cache.BlobPath(lr.Entry), size: lr.Entry.SizeBytes, fromCache: true}, nil

	case cachestore.StaleHit:
		fresh, err := o.revalidate(ctx, item, lr.Entry)
		if err != nil {
			return fetchResult{}, err
		}
		if fresh {
			return fetchResult{path: o.cache.BlobPath(lr.Entry), size: lr.Entry.SizeBytes, fromCache: true}, nil
		}
		// upstream moved on; fall through to a full re-download.
	}

	return o.downloadAndAdmit(ctx, item)
}

// revalidate issues a HEAD for item via checkOne; if the URL is still
// reachable and, when the recipe declared a size, the server's
// Content-Length matches it, the entry counts as fresh and checked_on is
// refreshed without downloading. The cached entry's own size is not
// compared.
func (o *Orchestrator) revalidate(ctx context.Context, item WorkItem, e *cachestore.CacheEntry) (bool, error) {
	if err := checkOne(ctx, item); err != nil {
		return false, nil // unreachable: treat as stale, re-download below
	}
	if err := o.cache.Revalidate(e); err != nil {
		return false, fmt.Errorf("%w: revalidating %s: %s", buildkind.ECache, item.Source, err)
	}
	return true, nil
}

// downloadAndAdmit submits item to the engine, polls it to completion at
// a bounded cadence, and admits the result to the cache. Admission
// rejection is non-fatal: the artifact is still usable for this build.
func (o *Orchestrator) downloadAndAdmit(ctx context.Context, item WorkItem) (fetchResult, error) {
	tmp, err := os.CreateTemp(o.cache.TmpDir(), "dl-*")
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: staging temp file: %s", buildkind.ECache, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	expectedSize := int64(0)
	if item.DeclaredSize.IsSpecified() {
		expectedSize = int64(item.DeclaredSize)
	}
	h, err := o.engine.Submit(ctx, dlengine.Item{
		URI:          item.URL,
		OutPath:      tmpPath,
		Checksum:     item.Checksum,
		ExpectedSize: expectedSize,
	})
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: submitting %s: %s", buildkind.EDownload, item.URL, err)
	}

	status, err := o.pollToCompletion(ctx, item, h)
	if err != nil {
		return fetchResult{}, err
	}

	checksum := item.Checksum
	if checksum == "" {
		checksum, err = digestFile(tmpPath)
		if err != nil {
			return fetchResult{}, fmt.Errorf("%w: digesting %s: %s", buildkind.EDownload, item.URL, err)
		}
	}

	res, err := o.cache.Admit(item.Class, item.Source, tmpPath, status.BytesDone, checksum, item.Identifier, item.Version)
	if err != nil {
		return fetchResult{}, fmt.Errorf("%w: admitting %s: %s", buildkind.ECache, item.Source, err)
	}
	if res.Status != cachestore.Admitted {
		log.Logf("content: %s not cached (%s); using this build's copy only", item.Source, res.Status)
		return fetchResult{path: tmpPath, size: status.BytesDone}, nil
	}
	return fetchResult{path: o.cache.BlobPath(res.Entry), size: status.BytesDone}, nil
}

// pollToCompletion polls h at ≤ 1Hz, reporting aggregate progress,
// until it reaches Done or Failed.
func (o *Orchestrator) pollToCompletion(ctx context.Context, item WorkItem, h dlengine.Handle) (dlengine.Status, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		status, err := o.engine.Poll(ctx, h)
		if err != nil {
			return dlengine.Status{}, fmt.Errorf("%w: polling %s: %s", buildkind.EDownload, item.URL, err)
		}
		o.reporter.update(item.Source, status.BytesDone, status.Total, status.Speed, false)

		switch status.State {
		case dlengine.Done:
			o.reporter.update(item.Source, status.BytesDone, status.Total, status.Speed, true)
			return status, nil
		case dlengine.Failed:
			return dlengine.Status{}, fmt.Errorf("%w: %s: %s", buildkind.EDownload, item.URL, status.Err)
		}

		select {
		case <-ctx.Done():
			return dlengine.Status{}, fmt.Errorf("%w: %s", buildkind.ECancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d := digest.Canonical.Digester()
	if _, err := io.Copy(d.Hash(), f); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// placeInlineContent handles content-only files: no network item, per
// spec.md §4.E step 1, but still a manifest entry per step 6.
func (o *Orchestrator) placeInlineContent(item WorkItem) (Artifact, error) {
	data, err := decodeContent(item.Content)
	if err != nil {
		return Artifact{}, err
	}
	dest := filepath.Join(o.opts.BuildDir, "data", dataRelPath(item.Dest))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: creating dir for %s: %s", buildkind.ELayout, item.Dest, err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("%w: writing %s: %s", buildkind.ELayout, item.Dest, err)
	}
	return Artifact{Item: item, Path: dest, Size: humansize.Size(len(data))}, nil
}
