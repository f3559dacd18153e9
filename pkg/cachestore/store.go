// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package cachestore implements the on-disk content-addressed download
// cache: a bitcask-backed metadata journal alongside a sharded blob tree,
// with a layered-policy eviction engine on top.
package cachestore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"code.cloudfoundry.org/clock"
	digest "github.com/opencontainers/go-digest"
	"github.com/prologic/bitcask"
	"golang.org/x/sys/unix"

	"github.com/offspot/image-creator/pkg/cachepolicy"
	"github.com/offspot/image-creator/pkg/log"
)

// metaVersion is written to <cache-dir>/meta/version. A cache directory
// whose version does not match this fails closed, per spec.md §6.
const metaVersion = "1"

// LookupStatus is the outcome of a Lookup call.
type LookupStatus int

const (
	Miss LookupStatus = iota
	Hit
	StaleHit
	Ignored
)

func (s LookupStatus) String() string {
	switch s {
	case Hit:
		return "Hit"
	case StaleHit:
		return "StaleHit"
	case Ignored:
		return "Ignored"
	default:
		return "Miss"
	}
}

// LookupResult is the result of Lookup.
type LookupResult struct {
	Status LookupStatus
	Entry  *CacheEntry
}

// AdmitStatus is the outcome of an Admit call.
type AdmitStatus int

const (
	Admitted AdmitStatus = iota
	RejectedDisabled
	RejectedNoRoom
)

func (s AdmitStatus) String() string {
	switch s {
	case Admitted:
		return "Admitted"
	case RejectedDisabled:
		return "Rejected(Disabled)"
	default:
		return "Rejected(NoRoom)"
	}
}

// AdmitResult is the result of Admit.
type AdmitResult struct {
	Status AdmitStatus
	Entry  *CacheEntry
}

// ErrCacheBusy is returned by Open when another process already holds the
// cache directory's exclusive lock.
var ErrCacheBusy = fmt.Errorf("cachestore: cache directory busy")

// ErrVersionMismatch is returned by Open when the cache directory was
// written by an incompatible, newer format.
var ErrVersionMismatch = fmt.Errorf("cachestore: unknown cache format version")

// Store is one open, locked cache directory.
type Store struct {
	dir    string
	policy *cachepolicy.GlobalPolicy
	clock  clock.Clock

	db       *bitcask.Bitcask
	lockFile *os.File

	mu      sync.Mutex
	entries map[string]*CacheEntry
}

// Open locks and opens the cache directory at dir, loading its metadata
// journal and reconciling it against the blob tree on disk (spec.md §4.C
// crash-safety: blobs without metadata are reaped; metadata without blobs
// is dropped). policy is the already-parsed policy.yaml (or
// cachepolicy.Defaults() if the file was absent).
func Open(dir string, policy *cachepolicy.GlobalPolicy, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.NewClock()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: creating cache dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: creating tmp dir: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cachestore: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrCacheBusy
		}
		return nil, fmt.Errorf("cachestore: locking cache dir: %w", err)
	}

	if err := checkOrWriteVersion(dir); err != nil {
		lockFile.Close()
		return nil, err
	}

	db, err := bitcask.Open(filepath.Join(dir, "index.journal"))
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("cachestore: opening metadata journal: %w", err)
	}

	s := &Store{
		dir:      dir,
		policy:   policy,
		clock:    clk,
		db:       db,
		lockFile: lockFile,
		entries:  make(map[string]*CacheEntry),
	}
	if err := s.reconcile(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func checkOrWriteVersion(dir string) error {
	metaDir := filepath.Join(dir, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("cachestore: creating meta dir: %w", err)
	}
	versionFile := filepath.Join(metaDir, "version")
	existing, err := os.ReadFile(versionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(versionFile, []byte(metaVersion), 0o644)
		}
		return fmt.Errorf("cachestore: reading version file: %w", err)
	}
	if string(existing) != metaVersion {
		return fmt.Errorf("%w: have %q, want %q", ErrVersionMismatch, existing, metaVersion)
	}
	return nil
}

// reconcile loads every journal record, drops ones whose blob is missing,
// and reaps blobs with no journal record.
func (s *Store) reconcile() error {
	keys := s.db.Keys()
	present := make(map[string]bool)
	for k := range keys {
		var e CacheEntry
		raw, err := s.db.Get(k)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Logf("cachestore: dropping unreadable metadata record %q: %s", k, err)
			s.db.Delete(k)
			continue
		}
		full := filepath.Join(s.dir, "blobs", e.BlobPath)
		if _, err := os.Stat(full); err != nil {
			log.Logf("cachestore: dropping metadata for missing blob %q", e.BlobPath)
			s.db.Delete(k)
			continue
		}
		s.entries[e.Key] = &e
		present[e.BlobPath] = true
	}

	blobsDir := filepath.Join(s.dir, "blobs")
	filepath.WalkDir(blobsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(blobsDir, path)
		if !present[rel] {
			log.Logf("cachestore: reaping orphan blob %q", rel)
			os.Remove(path)
		}
		return nil
	})
	return nil
}

// Close releases the cache directory's exclusive lock and closes the
// metadata journal.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.lockFile != nil {
		unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		s.lockFile.Close()
	}
	return err
}

// BlobPath returns the absolute path of e's blob within this store's blob
// tree, for callers that need to hard link or copy a Hit/StaleHit entry's
// content into a build directory (pkg/content's cache-resolution step).
func (s *Store) BlobPath(e *CacheEntry) string {
	return filepath.Join(s.dir, "blobs", e.BlobPath)
}

// TmpDir returns a directory under the store, outside the blob tree
// proper, suitable for staging a download before Admit moves it in.
func (s *Store) TmpDir() string {
	return filepath.Join(s.dir, "tmp")
}

// Entries returns every entry currently tracked in the metadata journal,
// sorted by key, for --show-cache-style reporting.
func (s *Store) Entries() []*CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func keyFor(class cachepolicy.Class, source string) (string, error) {
	if class == cachepolicy.ClassOCIImage {
		return CanonicalOCIKey(source)
	}
	return CanonicalFileKey(source)
}

// Lookup implements spec.md §4.C's lookup contract.
func (s *Store) Lookup(class cachepolicy.Class, source string) (LookupResult, error) {
	eff := s.policy.Resolve(class, source)
	if eff.Ignored {
		return LookupResult{Status: Ignored}, nil
	}
	key, err := keyFor(class, source)
	if err != nil {
		return LookupResult{}, err
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return LookupResult{Status: Miss}, nil
	}

	now := s.clock.Now().UTC()
	if eff.MaxAge.IsSpecified() && eff.MaxAge > 0 {
		if now.Sub(e.AddedOn).Seconds() > float64(eff.MaxAge.Seconds()) {
			return LookupResult{Status: Miss}, nil
		}
	}

	s.mu.Lock()
	e.LastUsedOn = now
	s.mu.Unlock()
	if err := s.persist(e); err != nil {
		return LookupResult{}, err
	}

	if eff.CheckAfter.IsSpecified() && eff.CheckAfter > 0 {
		if now.Sub(e.CheckedOn).Seconds() > float64(eff.CheckAfter.Seconds()) {
			return LookupResult{Status: StaleHit, Entry: e}, nil
		}
	}
	return LookupResult{Status: Hit, Entry: e}, nil
}

// Admit implements spec.md §4.C's admit contract: tmpBlob is moved into
// the cache's blob tree only after the eviction pass succeeds.
func (s *Store) Admit(
	class cachepolicy.Class,
	source, tmpBlob string,
	size int64,
	checksum digest.Digest,
	identifier, version string,
) (AdmitResult, error) {
	eff := s.policy.Resolve(class, source)
	if eff.Ignored {
		return AdmitResult{Status: RejectedDisabled}, nil
	}
	key, err := keyFor(class, source)
	if err != nil {
		return AdmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if eff.MaxSize.IsSpecified() && eff.MaxSize > 0 && size > int64(eff.MaxSize) {
		return AdmitResult{Status: RejectedNoRoom}, nil
	}

	if err := s.evictToFitLocked(class, eff, size); err != nil {
		if err == errNoRoom {
			return AdmitResult{Status: RejectedNoRoom}, nil
		}
		return AdmitResult{}, err
	}

	now := s.clock.Now().UTC()
	shardDir, rel := blobShard(key)
	dest := filepath.Join(s.dir, "blobs", rel)
	if err := os.MkdirAll(filepath.Join(s.dir, "blobs", shardDir), 0o755); err != nil {
		return AdmitResult{}, fmt.Errorf("cachestore: creating blob shard dir: %w", err)
	}
	if err := moveFile(tmpBlob, dest); err != nil {
		return AdmitResult{}, fmt.Errorf("cachestore: admitting blob: %w", err)
	}

	e := &CacheEntry{
		Key:        key,
		Class:      class,
		Source:     source,
		Identifier: identifier,
		Version:    version,
		SizeBytes:  size,
		Checksum:   checksum,
		AddedOn:    now,
		LastUsedOn: now,
		CheckedOn:  now,
		BlobPath:   rel,
	}
	if old, ok := s.entries[key]; ok {
		s.removeEntryLocked(old)
	}
	s.entries[key] = e
	if err := s.persistLocked(e); err != nil {
		return AdmitResult{}, err
	}

	if eff.KeepIdentifiedVersions > 0 && identifier != "" {
		s.evictSupersededVersionsLocked(e)
	}

	return AdmitResult{Status: Admitted, Entry: e}, nil
}

// Revalidate marks e as freshly checked against upstream without a
// re-download -- the "304 refreshes checked_on" case in spec.md §4.E
// step 3.
func (s *Store) Revalidate(e *CacheEntry) error {
	s.mu.Lock()
	e.CheckedOn = s.clock.Now().UTC()
	s.mu.Unlock()
	return s.persist(e)
}

// Invalidate forces removal of the entry with the given key.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	return s.removeEntryLocked(e)
}

// Purge drops everything that violates max_age/max_num/max_size without
// the pressure of an incoming admission.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// group entries by (class, matched filter) so each bucket is purged
	// against its own effective policy, mirroring evictToFitLocked.
	type bucketKey struct {
		class  cachepolicy.Class
		filter *cachepolicy.Filter
	}
	buckets := make(map[bucketKey][]*CacheEntry)
	effs := make(map[bucketKey]cachepolicy.EffectivePolicy)
	for _, e := range s.entries {
		eff := s.policy.Resolve(e.Class, e.Source)
		if eff.Ignored {
			continue
		}
		bk := bucketKey{e.Class, eff.MatchedFilter}
		buckets[bk] = append(buckets[bk], e)
		effs[bk] = eff
	}

	for bk, candidates := range buckets {
		eff := effs[bk]
		for _, e := range s.hardCapCandidatesLocked(candidates, eff) {
			if err := s.removeEntryLocked(e); err != nil {
				return err
			}
		}
		candidates = s.candidatesLocked(bk.class, bk.filter)
		if !eff.MaxSize.IsSpecified() || eff.MaxSize == 0 {
			continue
		}
		var total int64
		for _, e := range candidates {
			total += e.SizeBytes
		}
		if total <= int64(eff.MaxSize) {
			continue
		}
		sortForEviction(candidates, eff.Eviction)
		for _, e := range candidates {
			if total <= int64(eff.MaxSize) {
				break
			}
			total -= e.SizeBytes
			if err := s.removeEntryLocked(e); err != nil {
				return err
			}
		}
	}
	return nil
}

var errNoRoom = fmt.Errorf("cachestore: no room")

// candidatesLocked returns entries of the given class. When filter is
// non-nil, it is further restricted to entries whose own effective policy
// resolves to that same filter -- the "filter bucket" spec.md §4.C step 1
// calls for.
func (s *Store) candidatesLocked(class cachepolicy.Class, filter *cachepolicy.Filter) []*CacheEntry {
	var out []*CacheEntry
	for _, e := range s.entries {
		if e.Class != class {
			continue
		}
		if filter != nil {
			eff := s.policy.Resolve(class, e.Source)
			if eff.MatchedFilter != filter {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// hardCapCandidatesLocked returns the subset of candidates that must be
// evicted unconditionally per spec.md §4.C step 2: older than max_age, or
// in excess of max_num (oldest added_on first).
func (s *Store) hardCapCandidatesLocked(candidates []*CacheEntry, eff cachepolicy.EffectivePolicy) []*CacheEntry {
	var expired []*CacheEntry
	now := s.clock.Now().UTC()
	var rest []*CacheEntry
	for _, e := range candidates {
		if eff.MaxAge.IsSpecified() && eff.MaxAge > 0 && now.Sub(e.AddedOn).Seconds() > float64(eff.MaxAge.Seconds()) {
			expired = append(expired, e)
			continue
		}
		rest = append(rest, e)
	}
	if eff.MaxNum != cachepolicy.MaxNumUnspecified && eff.MaxNum >= 0 {
		sort.Slice(rest, func(i, j int) bool { return rest[i].AddedOn.Before(rest[j].AddedOn) })
		for len(rest) > eff.MaxNum {
			expired = append(expired, rest[0])
			rest = rest[1:]
		}
	}
	return expired
}

// evictToFitLocked frees size bytes among the candidates sharing class's
// (and, if matched, filter's) scope, per spec.md §4.C steps 1-3.
func (s *Store) evictToFitLocked(class cachepolicy.Class, eff cachepolicy.EffectivePolicy, size int64) error {
	candidates := s.candidatesLocked(class, eff.MatchedFilter)

	for _, e := range s.hardCapCandidatesLocked(candidates, eff) {
		s.removeEntryLocked(e)
	}
	candidates = s.candidatesLocked(class, eff.MatchedFilter)

	if !eff.MaxSize.IsSpecified() || eff.MaxSize == 0 {
		return nil
	}
	var total int64
	for _, e := range candidates {
		total += e.SizeBytes
	}
	if total+size <= int64(eff.MaxSize) {
		return nil
	}

	sortForEviction(candidates, eff.Eviction)
	for _, e := range candidates {
		if total+size <= int64(eff.MaxSize) {
			return nil
		}
		total -= e.SizeBytes
		if err := s.removeEntryLocked(e); err != nil {
			return err
		}
	}
	if total+size <= int64(eff.MaxSize) {
		return nil
	}
	return errNoRoom
}

// sortForEviction orders candidates so that the first to evict is at
// index 0, per spec.md §4.C step 3's per-strategy ordering.
func sortForEviction(candidates []*CacheEntry, strategy cachepolicy.Eviction) {
	switch strategy {
	case cachepolicy.EvictOldest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].AddedOn.Before(candidates[j].AddedOn) })
	case cachepolicy.EvictNewest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].AddedOn.After(candidates[j].AddedOn) })
	case cachepolicy.EvictLargest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].SizeBytes > candidates[j].SizeBytes })
	case cachepolicy.EvictSmallest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].SizeBytes < candidates[j].SizeBytes })
	default: // lru
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastUsedOn.Before(candidates[j].LastUsedOn) })
	}
}

// evictSupersededVersionsLocked implements spec.md §4.C step 4: evict
// every existing entry with the same identifier and source host whose
// version natural-sorts strictly below the just-admitted entry's version,
// regardless of class-level caps.
func (s *Store) evictSupersededVersionsLocked(admitted *CacheEntry) {
	for key, e := range s.entries {
		if key == admitted.Key {
			continue
		}
		if e.Identifier != admitted.Identifier {
			continue
		}
		if e.sourceHost() != admitted.sourceHost() {
			continue
		}
		if naturalLess(e.Version, admitted.Version) {
			s.removeEntryLocked(e)
		}
	}
}

func (s *Store) removeEntryLocked(e *CacheEntry) error {
	delete(s.entries, e.Key)
	if err := s.db.Delete([]byte(e.Key)); err != nil {
		return fmt.Errorf("cachestore: removing metadata: %w", err)
	}
	full := filepath.Join(s.dir, "blobs", e.BlobPath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cachestore: removing blob: %w", err)
	}
	return nil
}

func (s *Store) persist(e *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(e)
}

func (s *Store) persistLocked(e *CacheEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cachestore: encoding metadata: %w", err)
	}
	if err := s.db.Put([]byte(e.Key), raw); err != nil {
		return fmt.Errorf("cachestore: writing metadata: %w", err)
	}
	return nil
}

// moveFile renames src to dst, falling back to a copy+remove when they
// live on different filesystems (rename across devices fails with EXDEV;
// the build directory and cache directory are not guaranteed to share
// one).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return os.Remove(src)
}
