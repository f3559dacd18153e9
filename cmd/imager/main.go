// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Command imager builds a bootable hotspot disk image from a recipe,
// per spec.md. Flag surface and try/except/finally-shaped cleanup are
// grounded on original_source's entrypoint.main/creator.ImageCreator;
// logging setup follows cmd/img/corer's AddConsoleLog/FlushMemLog idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/offspot/image-creator/pkg/build"
	"github.com/offspot/image-creator/pkg/buildkind"
	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/log"
	"github.com/offspot/image-creator/pkg/log/flags"
)

// version is overwritten at link time via -ldflags "-X main.version=...",
// same mechanism as cmd/img/corer's buildId.
var version = "dev"

type cliOptions struct {
	buildDir  string
	cacheDir  string
	showCache bool
	check     bool
	keep      bool
	overwrite bool
	maxSize   string
	debug     bool
	version   bool
}

func main() {
	opts, configSrc, outputPath := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	log.AddConsoleLog(flags.NA)
	if opts.debug {
		log.SetPrefix("imager-")
		if _, err := log.AddFileLog(filepath.Dir(outputPath)); err != nil {
			log.Logf("imager: could not open debug file log: %s", err)
		}
	}
	log.FlushMemLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, opts, configSrc, outputPath))
}

func parseFlags() (cliOptions, string, string) {
	var opts cliOptions
	pflag.StringVar(&opts.buildDir, "build-dir", "", "Directory to store temporary files in. Defaults to a directory under the system temp dir.")
	pflag.StringVar(&opts.cacheDir, "cache-dir", "", "Directory to use as a download cache. Cache policy is read from CACHE_DIR/policy.yaml.")
	pflag.BoolVar(&opts.showCache, "show-cache", false, "Print a summary of the cache's content before building. With --check, exit after the summary without building.")
	pflag.BoolVarP(&opts.check, "check", "C", false, "Only check inputs, URLs and sizes. Don't download or create the image.")
	pflag.BoolVarP(&opts.keep, "keep", "K", false, "Don't remove output image or build dir if creation failed.")
	pflag.BoolVarP(&opts.overwrite, "overwrite", "X", false, "Don't fail on an existing output image: remove it instead.")
	pflag.StringVar(&opts.maxSize, "max-size", "", "Maximum image size allowed. Ex: 512GB")
	pflag.BoolVarP(&opts.debug, "debug", "D", false, "Mirror subprocess stderr into the log and write a debug file log.")
	pflag.BoolVarP(&opts.version, "version", "V", false, "Print version and exit.")
	pflag.Parse()

	if opts.version {
		return opts, "", ""
	}

	if pflag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: imager [flags] CONFIG_SRC OUTPUT")
		pflag.PrintDefaults()
		os.Exit(buildkind.ExitCode(buildkind.KindInput))
	}
	return opts, pflag.Arg(0), pflag.Arg(1)
}

// run performs the build and returns the process exit code, mapping any
// error through buildkind the way spec.md §6 specifies. Splitting this
// out of main keeps os.Exit paths out of every other function, so
// deferred cleanup in build.Run always gets to execute.
func run(ctx context.Context, opts cliOptions, configSrc, outputPath string) int {
	buildDir := opts.buildDir
	if buildDir == "" {
		dir, err := os.MkdirTemp("", "imager-build-")
		if err != nil {
			log.Logf("imager: creating build dir: %s", err)
			return buildkind.ExitCode(buildkind.KindLayout)
		}
		buildDir = dir
	}
	cacheDir := opts.cacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "imager-cache")
	}

	maxSize, err := humansize.ParseSize(opts.maxSize)
	if err != nil {
		log.Logf("imager: --max-size: %s", err)
		return buildkind.ExitCode(buildkind.KindInput)
	}

	if opts.showCache {
		printCacheSummary(cacheDir)
		if opts.check {
			return 0
		}
	}

	r, err := loadRecipe(configSrc, outputPath)
	if err != nil {
		log.Logf("imager: %s", err)
		return buildkind.ExitCode(buildkind.KindInput)
	}

	result, err := build.Run(ctx, r, build.Options{
		BuildDir:  buildDir,
		CacheDir:  cacheDir,
		Check:     opts.check,
		Keep:      opts.keep,
		Overwrite: opts.overwrite,
		MaxSize:   maxSize,
		Debug:     opts.debug,
		Progress:  logProgress,
	})
	if err != nil {
		kind := buildkind.Of(err)
		if opts.debug {
			log.Logf("imager: %+v", err)
		} else {
			log.Logf("imager: %s", err)
		}
		return buildkind.ExitCode(kind)
	}

	if opts.check {
		log.Msg("imager: all inputs reachable")
		return 0
	}
	log.Msgf("imager: wrote %s (%s)", result.OutputPath, humansize.FormatSize(result.OutputSize))
	return 0
}
