// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachepolicy

import "github.com/offspot/image-creator/pkg/humansize"

// EffectivePolicy is what lookup/admit/evict actually consult: the options
// in force for one (class, source) pair once global, class, and filter
// levels have been folded together.
type EffectivePolicy struct {
	// Ignored is true when caching is disabled for this class or source,
	// whether by an explicit enabled:false, a max_size/max_num of 0 at
	// any enclosing level, or a matching filter with ignore:true.
	Ignored bool

	MaxSize                humansize.Size
	MaxAge                 humansize.Duration
	MaxNum                 int
	Eviction               Eviction
	CheckAfter             humansize.Duration
	KeepIdentifiedVersions int

	// MatchedFilter is the filter, if any, that matched source. Nil when
	// no filter matched or the class has none.
	MatchedFilter *Filter
}

func ignored(filter *Filter) EffectivePolicy {
	return EffectivePolicy{Ignored: true, MatchedFilter: filter}
}

// classPolicy returns the oci_images or files branch for class.
func (g *GlobalPolicy) classPolicy(class Class) *ClassPolicy {
	switch class {
	case ClassOCIImage:
		return &g.OCIImages
	default:
		return &g.Files
	}
}

// Resolve computes the effective policy for an entry of the given class
// whose source is about to be looked up or admitted. Filters are tried in
// declaration order; the first whose pattern matches source wins.
func (g *GlobalPolicy) Resolve(class Class, source string) EffectivePolicy {
	if !g.Enabled || g.CommonParams.disabled() {
		return ignored(nil)
	}
	cp := g.classPolicy(class)
	if !cp.Enabled || cp.CommonParams.disabled() {
		return ignored(nil)
	}

	var matched *Filter
	for _, f := range cp.Filters {
		if f.re.MatchString(source) {
			matched = f
			break
		}
	}
	if matched != nil {
		if matched.Ignore || !matched.Enabled || matched.CommonParams.disabled() {
			return ignored(matched)
		}
	}

	eff := EffectivePolicy{MatchedFilter: matched}
	eff.MaxSize = resolveSize(filterSize(matched), cp.MaxSize, g.MaxSize)
	eff.MaxAge = resolveDuration(filterAge(matched), cp.MaxAge, g.MaxAge)
	eff.CheckAfter = resolveDuration(filterCheckAfter(matched), cp.CheckAfter, g.CheckAfter)
	eff.MaxNum = resolveInt(filterMaxNum(matched), cp.MaxNum, g.MaxNum)
	eff.Eviction = resolveEviction(matched, cp.Eviction, g.Eviction)
	eff.KeepIdentifiedVersions = resolveKeepVersions(matched, cp.KeepIdentifiedVersions, g.KeepIdentifiedVersions)
	return eff
}

func filterSize(f *Filter) humansize.Size {
	if f == nil {
		return humansize.Unspecified
	}
	return f.MaxSize
}

func filterAge(f *Filter) humansize.Duration {
	if f == nil {
		return humansize.DurationUnspecified
	}
	return f.MaxAge
}

func filterCheckAfter(f *Filter) humansize.Duration {
	if f == nil {
		return humansize.DurationUnspecified
	}
	return f.CheckAfter
}

func filterMaxNum(f *Filter) int {
	if f == nil {
		return MaxNumUnspecified
	}
	return f.MaxNum
}

// resolveSize returns the nearest (filter, then class, then global)
// specified value, falling through past unspecified levels.
func resolveSize(filter, class, global humansize.Size) humansize.Size {
	for _, v := range []humansize.Size{filter, class, global} {
		if v.IsSpecified() {
			return v
		}
	}
	return humansize.Unspecified
}

func resolveDuration(filter, class, global humansize.Duration) humansize.Duration {
	for _, v := range []humansize.Duration{filter, class, global} {
		if v.IsSpecified() {
			return v
		}
	}
	return humansize.DurationUnspecified
}

func resolveInt(filter, class, global int) int {
	for _, v := range []int{filter, class, global} {
		if v != MaxNumUnspecified {
			return v
		}
	}
	return MaxNumUnspecified
}

// resolveEviction picks the filter's strategy if matched, else the class's,
// else the global's. Every level self-defaults to EvictLRU at load time, so
// none of these is ever the empty value.
func resolveEviction(filter *Filter, class, global Eviction) Eviction {
	if filter != nil {
		return filter.Eviction
	}
	if class != "" {
		return class
	}
	return global
}

func resolveKeepVersions(filter *Filter, class, global int) int {
	if filter != nil && filter.KeepIdentifiedVersions != 0 {
		return filter.KeepIdentifiedVersions
	}
	if class != 0 {
		return class
	}
	return global
}
