// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package cachepolicy models the three-level (global / class / filter) cache
// policy tree read from a cache directory's policy.yaml, and resolves it
// down to a single effective policy for a given cache entry.
package cachepolicy

import (
	"fmt"
	"regexp"

	"github.com/offspot/image-creator/pkg/humansize"
	"gopkg.in/yaml.v3"
)

// Class identifies which sub-policy (and which bucket of cache entries) a
// lookup or admission belongs to.
type Class string

const (
	ClassOCIImage Class = "oci_image"
	ClassFile     Class = "file"
)

// Eviction names a candidate-ordering strategy used once hard caps
// (max_age, max_num) have already removed what they can.
type Eviction string

const (
	EvictOldest   Eviction = "oldest"
	EvictNewest   Eviction = "newest"
	EvictLargest  Eviction = "largest"
	EvictSmallest Eviction = "smallest"
	EvictLRU      Eviction = "lru"
)

func (e Eviction) valid() bool {
	switch e {
	case EvictOldest, EvictNewest, EvictLargest, EvictSmallest, EvictLRU:
		return true
	}
	return false
}

// MaxNumUnspecified marks a max_num that was never given a value, as
// opposed to an explicit 0 (which disables caching at that scope).
const MaxNumUnspecified = -1

// CommonParams are the options recognised at every level of the tree:
// global, class, and filter.
type CommonParams struct {
	Enabled                bool
	MaxSize                humansize.Size
	MaxAge                 humansize.Duration
	MaxNum                 int
	Eviction               Eviction
	CheckAfter             humansize.Duration
	KeepIdentifiedVersions int
}

// disabled reports whether this level's own max_size or max_num disables
// caching outright, independent of enclosing levels.
func (c CommonParams) disabled() bool {
	return (c.MaxSize.IsSpecified() && c.MaxSize == 0) ||
		(c.MaxNum != MaxNumUnspecified && c.MaxNum == 0)
}

// Filter matches cache entries by source against a regular expression and
// optionally overrides options for the entries it matches.
type Filter struct {
	Pattern string
	Ignore  bool
	CommonParams
	re *regexp.Regexp
}

// ClassPolicy is the oci_images or files branch of the tree.
type ClassPolicy struct {
	CommonParams
	Filters []*Filter
}

// GlobalPolicy is the root of the tree, as read from policy.yaml.
type GlobalPolicy struct {
	CommonParams
	OCIImages ClassPolicy
	Files     ClassPolicy
}

// Defaults returns the policy this package assumes when a cache directory
// has no policy.yaml: caching enabled everywhere, a 10GiB global cap, LRU
// eviction.
func Defaults() *GlobalPolicy {
	g := &GlobalPolicy{
		CommonParams: CommonParams{
			Enabled:  true,
			MaxSize:  10 * 1024 * 1024 * 1024,
			MaxAge:   humansize.DurationUnspecified,
			MaxNum:   MaxNumUnspecified,
			Eviction: EvictLRU,
		},
	}
	g.OCIImages = ClassPolicy{CommonParams: defaultCommon()}
	g.Files = ClassPolicy{CommonParams: defaultCommon()}
	return g
}

// Disabled returns a cache-less policy: nothing is ever cached.
func Disabled() *GlobalPolicy {
	g := Defaults()
	g.Enabled = false
	return g
}

func defaultCommon() CommonParams {
	return CommonParams{
		Enabled:    true,
		MaxSize:    humansize.Unspecified,
		MaxAge:     humansize.DurationUnspecified,
		MaxNum:     MaxNumUnspecified,
		Eviction:   EvictLRU,
		CheckAfter: humansize.DurationUnspecified,
	}
}

// rawCommon mirrors CommonParams but in the string/pointer shapes YAML
// hands us, so that absence (unspecified) and explicit zero remain
// distinguishable before Compile runs.
type rawCommon struct {
	Enabled                *bool  `yaml:"enabled"`
	MaxSize                string `yaml:"max_size"`
	MaxAge                 string `yaml:"max_age"`
	MaxNum                 *int   `yaml:"max_num"`
	Eviction               string `yaml:"eviction"`
	CheckAfter             string `yaml:"check_after"`
	KeepIdentifiedVersions int    `yaml:"keep_identified_versions"`
}

type rawFilter struct {
	rawCommon `yaml:",inline"`
	Pattern   string `yaml:"pattern"`
	Ignore    *bool  `yaml:"ignore"`
}

type rawClassPolicy struct {
	rawCommon `yaml:",inline"`
	Filters   []rawFilter `yaml:"filters"`
}

type rawGlobalPolicy struct {
	rawCommon `yaml:",inline"`
	OCIImages rawClassPolicy `yaml:"oci_images"`
	Files     rawClassPolicy `yaml:"files"`
}

// Load parses a policy.yaml document. A nil or empty document yields
// Defaults().
func Load(data []byte) (*GlobalPolicy, error) {
	if len(data) == 0 {
		return Defaults(), nil
	}
	var raw rawGlobalPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cachepolicy: parsing policy.yaml: %w", err)
	}
	common, err := raw.rawCommon.compile("global")
	if err != nil {
		return nil, err
	}
	g := &GlobalPolicy{CommonParams: common}
	if g.OCIImages, err = raw.OCIImages.compile("oci_images"); err != nil {
		return nil, err
	}
	if g.Files, err = raw.Files.compile("files"); err != nil {
		return nil, err
	}
	return g, nil
}

func (r rawCommon) compile(scope string) (CommonParams, error) {
	c := CommonParams{Enabled: true, Eviction: EvictLRU}
	if r.Enabled != nil {
		c.Enabled = *r.Enabled
	}
	if r.Eviction != "" {
		c.Eviction = Eviction(r.Eviction)
	}
	if !c.Eviction.valid() {
		return c, fmt.Errorf("cachepolicy: %s: invalid eviction %q", scope, r.Eviction)
	}
	size, err := humansize.ParseSize(r.MaxSize)
	if err != nil {
		return c, fmt.Errorf("cachepolicy: %s: max_size: %w", scope, err)
	}
	c.MaxSize = size
	age, err := humansize.ParseDuration(r.MaxAge)
	if err != nil {
		return c, fmt.Errorf("cachepolicy: %s: max_age: %w", scope, err)
	}
	c.MaxAge = age
	checkAfter, err := humansize.ParseDuration(r.CheckAfter)
	if err != nil {
		return c, fmt.Errorf("cachepolicy: %s: check_after: %w", scope, err)
	}
	c.CheckAfter = checkAfter
	if r.MaxNum != nil {
		c.MaxNum = *r.MaxNum
	} else {
		c.MaxNum = MaxNumUnspecified
	}
	c.KeepIdentifiedVersions = r.KeepIdentifiedVersions
	return c, nil
}

func (r rawClassPolicy) compile(scope string) (ClassPolicy, error) {
	common, err := r.rawCommon.compile(scope)
	if err != nil {
		return ClassPolicy{}, err
	}
	cp := ClassPolicy{CommonParams: common}
	for i, rf := range r.Filters {
		f, err := rf.compile(fmt.Sprintf("%s.filters[%d]", scope, i))
		if err != nil {
			return ClassPolicy{}, err
		}
		cp.Filters = append(cp.Filters, f)
	}
	return cp, nil
}

func (r rawFilter) compile(scope string) (*Filter, error) {
	if r.Pattern == "" {
		return nil, fmt.Errorf("cachepolicy: %s: missing required pattern", scope)
	}
	common, err := r.rawCommon.compile(scope)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("cachepolicy: %s: pattern %q: %w", scope, r.Pattern, err)
	}
	f := &Filter{Pattern: r.Pattern, CommonParams: common, re: re}
	if r.Ignore != nil {
		f.Ignore = *r.Ignore
	}
	return f, nil
}
