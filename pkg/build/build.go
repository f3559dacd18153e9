// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package build is the Build Driver, Component G: the top-level pipeline
// wiring the cache, download engine, content orchestrator and image
// layout manager together, per spec.md §4.G. Grounded on
// original_source's image_creator.creator.ImageCreator.run/halt and
// steps/machine.py's StepMachine, reshaped from a named-step list into a
// single linear Go function with defer-based cleanup.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/cachepolicy"
	"github.com/offspot/image-creator/pkg/cachestore"
	"github.com/offspot/image-creator/pkg/content"
	"github.com/offspot/image-creator/pkg/dlengine"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/imagelayout"
	"github.com/offspot/image-creator/pkg/log"
	"github.com/offspot/image-creator/pkg/recipe"
)

// Options gathers everything entrypoint.py's CLI flags and
// ImageCreator's constructor args feed into one build.
type Options struct {
	// BuildDir is scratch space for downloads and archive/OCI expansion.
	BuildDir string
	// CacheDir holds the download cache: policy.yaml, metadata journal
	// and blob tree.
	CacheDir string
	// Check requests dry-check mode: validate inputs and reachability,
	// then stop before touching the image file.
	Check bool
	// Keep leaves the build directory and, on failure, the output image
	// in place for inspection instead of removing them.
	Keep bool
	// Overwrite permits truncating an existing output file.
	Overwrite bool
	// MaxSize, if specified, caps the resolved output size; exceeding it
	// fails with EInput before any image file is allocated. Completes a
	// standing TODO in original_source's ComputeSizes (see DESIGN.md).
	MaxSize humansize.Size
	// Debug is passed on as imagelayout.Options.Debug, which no layout
	// step reads; a failing subprocess's output is logged by log.Cmd
	// either way.
	Debug bool
	// EngineBinPath overrides the download engine binary; empty selects
	// dlengine's default (aria2c).
	EngineBinPath string
	// Progress, if set, receives aggregate download progress at ≤ 1Hz.
	Progress content.ProgressFunc
}

// Result is Run's successful outcome.
type Result struct {
	OutputPath string
	OutputSize humansize.Size
	Manifest   *content.Manifest
}

// Run executes spec.md §4.G's pipeline: validate recipe → open cache →
// orchestrate content → manage image layout → write configs → shrink
// (optional) → release. On failure, the output file is removed unless
// Keep is set; the layout manager is always released, matching
// ImageCreator.halt()'s atexit-registered cleanup and
// StepMachine.halt()'s delete-on-failure-unless-keep_failed, expressed
// here as ordinary deferred calls instead of atexit/step objects.
func Run(ctx context.Context, r *recipe.Recipe, opts Options) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", buildkind.EInput, err)
	}
	if missing := MissingTools(opts); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required tools: %s", buildkind.ETool, strings.Join(missing, ", "))
	}
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("%w: must run as root to attach loop devices", buildkind.ETool)
	}

	if err := os.MkdirAll(opts.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating build dir %s: %s", buildkind.ELayout, opts.BuildDir, err)
	}
	keepBuildDir := opts.Keep
	defer func() {
		if !keepBuildDir {
			os.RemoveAll(opts.BuildDir)
		}
	}()

	cache, err := openCache(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Logf("build: closing cache: %s", err)
		}
	}()

	engine, err := dlengine.Start(ctx, dlengine.Config{BinPath: opts.EngineBinPath})
	if err != nil {
		return nil, fmt.Errorf("%w: starting download engine: %s", buildkind.EDownload, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(sctx, 10*time.Second); err != nil {
			log.Logf("build: shutting down download engine: %s", err)
		}
	}()

	orch := content.New(cache, engine, content.Options{
		BuildDir: opts.BuildDir,
		Check:    opts.Check,
		Progress: opts.Progress,
	})
	manifest, err := orch.Run(ctx, r)
	if err != nil {
		return nil, err
	}
	if opts.Check {
		return nil, nil
	}

	outSize, err := resolveOutputSize(r, manifest, opts.MaxSize)
	if err != nil {
		return nil, err
	}

	mgr, err := imagelayout.New(imagelayout.Options{
		OutputPath: r.Output.Path,
		Size:       outSize,
		Overwrite:  opts.Overwrite,
		MountRoot:  opts.BuildDir,
		Debug:      opts.Debug,
	})
	if err != nil {
		return nil, err
	}

	succeeded := false
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Logf("build: releasing image layout: %s", err)
		}
		if !succeeded && !opts.Keep {
			if err := os.Remove(r.Output.Path); err != nil && !os.IsNotExist(err) {
				log.Logf("build: removing output after failure: %s", err)
			}
		}
	}()

	if err := runLayout(mgr, opts.BuildDir, manifest, r); err != nil {
		return nil, err
	}

	succeeded = true
	return &Result{OutputPath: r.Output.Path, OutputSize: outSize, Manifest: manifest}, nil
}

// runLayout walks the image layout manager through its full forward
// state sequence, populates the mounted data partition, and shrinks it
// if requested. Split out of Run so the happy path reads as one
// sequence of steps, each of which Close (deferred by the caller) can
// unwind regardless of where this returns.
func runLayout(mgr *imagelayout.Manager, buildDir string, manifest *content.Manifest, r *recipe.Recipe) error {
	base, ok := baseArtifact(manifest)
	if !ok {
		return fmt.Errorf("%w: no base image artifact produced", buildkind.EInput)
	}
	if err := mgr.SeedBaseImage(base.Path); err != nil {
		return err
	}
	if err := mgr.Attach(); err != nil {
		return err
	}
	if err := mgr.Probe(); err != nil {
		return err
	}
	if err := mgr.ExtendDataPartition(); err != nil {
		return err
	}
	if err := mgr.EnsureDeviceNodes(); err != nil {
		return err
	}
	if err := mgr.ResizeDataPartition(); err != nil {
		return err
	}
	if err := mgr.MountData(); err != nil {
		return err
	}

	if err := populate(buildDir, mgr.MountPoint(), r); err != nil {
		return err
	}

	if err := mgr.UnmountData(); err != nil {
		return err
	}

	if r.Output.Shrink {
		if err := mgr.Shrink(); err != nil {
			return err
		}
	}
	return nil
}

// openCache reads CacheDir/policy.yaml (cachepolicy.Defaults() if
// absent, per spec.md §4.C) and opens the store over it.
func openCache(dir string) (*cachestore.Store, error) {
	policy, err := LoadPolicy(dir)
	if err != nil {
		return nil, err
	}
	store, err := cachestore.Open(dir, policy, clock.NewClock())
	if err != nil {
		return nil, fmt.Errorf("%w: opening cache %s: %s", buildkind.ECache, dir, err)
	}
	return store, nil
}

// LoadPolicy reads dir/policy.yaml, falling back to cachepolicy.Defaults()
// if absent, per spec.md §4.C. Exported so callers opening a cache
// read-only (cmd/imager's --show-cache) don't duplicate this logic.
func LoadPolicy(dir string) (*cachepolicy.GlobalPolicy, error) {
	path := filepath.Join(dir, "policy.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cachepolicy.Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", buildkind.ECache, path, err)
	}
	policy, err := cachepolicy.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", buildkind.ECache, err)
	}
	return policy, nil
}
