// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/offspot/image-creator/pkg/humansize"
	"github.com/offspot/image-creator/pkg/recipe"
)

// YAML parsing and schema validation of the recipe is explicitly
// excluded from the core (spec.md §1): the types below exist only so
// this binary has something to decode CONFIG_SRC into before handing a
// typed recipe.Recipe to pkg/build. Shape follows spec.md §3's field
// tables, not original_source's inputs.Config (a different, looser
// schema: a single flexible `base` string this splits into
// source/root_size, `files[].via` restricted to direct/unzip/untar
// there versus direct/tar/gztar/bztar/xztar/zip here).

type yamlFile struct {
	To       string `yaml:"to"`
	URL      string `yaml:"url"`
	Content  string `yaml:"content"`
	Via      string `yaml:"via"`
	Size     string `yaml:"size"`
	Checksum string `yaml:"checksum"`
}

type yamlOCIImage struct {
	Ident    string `yaml:"ident"`
	URL      string `yaml:"url"`
	FileSize string `yaml:"filesize"`
	FullSize string `yaml:"fullsize"`
}

type yamlRecipe struct {
	Base struct {
		Source   string `yaml:"source"`
		RootSize string `yaml:"root_size"`
	} `yaml:"base"`
	Output struct {
		Size   string `yaml:"size"`
		Shrink bool   `yaml:"shrink"`
	} `yaml:"output"`
	OCIImages   []yamlOCIImage         `yaml:"oci_images"`
	Files       []yamlFile             `yaml:"files"`
	Offspot     map[string]interface{} `yaml:"offspot"`
	WriteConfig map[string]interface{} `yaml:"write_config"`
}

// loadRecipe reads configPath and decodes it into a recipe.Recipe bound
// to outputPath. It does not validate the result; build.Run runs
// recipe.Recipe.Validate before doing anything else with it.
func loadRecipe(configPath, outputPath string) (*recipe.Recipe, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var y yamlRecipe
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	rootSize, err := parseSizeField(y.Base.RootSize)
	if err != nil {
		return nil, fmt.Errorf("base.root_size: %w", err)
	}
	outSize, err := parseSizeField(y.Output.Size)
	if err != nil {
		return nil, fmt.Errorf("output.size: %w", err)
	}

	r := &recipe.Recipe{
		Base:   recipe.Base{Source: y.Base.Source, RootSize: rootSize},
		Output: recipe.Output{Path: outputPath, Size: outSize, Shrink: y.Output.Shrink},
	}

	for _, img := range y.OCIImages {
		fileSize, err := parseSizeField(img.FileSize)
		if err != nil {
			return nil, fmt.Errorf("oci_images[%s].filesize: %w", img.Ident, err)
		}
		fullSize, err := parseSizeField(img.FullSize)
		if err != nil {
			return nil, fmt.Errorf("oci_images[%s].fullsize: %w", img.Ident, err)
		}
		r.OCIImages = append(r.OCIImages, recipe.OCIImage{
			Ident:    img.Ident,
			URL:      img.URL,
			FileSize: fileSize,
			FullSize: fullSize,
		})
	}

	for i, f := range y.Files {
		size, err := parseSizeField(f.Size)
		if err != nil {
			return nil, fmt.Errorf("files[%d].size: %w", i, err)
		}
		via := recipe.ArchiveKind(f.Via)
		if via == "" {
			via = recipe.ViaDirect
		}
		r.Files = append(r.Files, recipe.File{
			To:       f.To,
			URL:      f.URL,
			Content:  f.Content,
			Via:      via,
			Size:     size,
			Checksum: digest.Digest(f.Checksum),
		})
	}

	if len(y.Offspot) > 0 {
		if r.Offspot, err = json.Marshal(y.Offspot); err != nil {
			return nil, fmt.Errorf("offspot: %w", err)
		}
	}
	if len(y.WriteConfig) > 0 {
		if r.WriteConfig, err = json.Marshal(y.WriteConfig); err != nil {
			return nil, fmt.Errorf("write_config: %w", err)
		}
	}

	return r, nil
}

// parseSizeField treats the recipe's "auto" keyword as the same
// humansize.Unspecified an absent field produces.
func parseSizeField(s string) (humansize.Size, error) {
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		return humansize.Unspecified, nil
	}
	return humansize.ParseSize(s)
}
