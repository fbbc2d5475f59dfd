// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/gomlx/accel/pkg/core/methods"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Key of a compiled artifact: a routine compiled for a device and a list of concrete argument shapes.
type Key struct {
	Handle methods.Handle
	Device backends.DeviceDescriptor

	// Fingerprint of the argument shapes, see shapes.Fingerprint.
	Fingerprint string
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s[%s]", k.Handle, k.Device, k.Fingerprint)
}

// flightKey identifies the key with all its fields, including the ones not printed by String.
func (k Key) flightKey() string {
	return fmt.Sprintf("%#v", k)
}

// Artifact is the result of compiling a routine: the backend binary plus the information needed to
// launch it and to diagnose it.
type Artifact struct {
	Key Key

	// Binary is the opaque native code returned by the backend.
	Binary backends.Binary

	// Program is the device IR the binary was generated from, and Source its rendered text.
	Program *kernel.Program
	Source  string

	// ProgramFingerprint identifies the generated code: it is the same for routines that lower to
	// the same program.
	ProgramFingerprint string

	// LowerTime is the time spent in lowering, and EmitTime the time spent by the backend.
	LowerTime, EmitTime time.Duration
}

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	return fmt.Sprintf("Artifact(%s, %d bytes, program %s)", a.Key, len(a.Binary), a.ProgramFingerprint)
}

type artifactEntry struct {
	artifact *Artifact
	err      error
}

// ArtifactCache caches the results of compilations, successful or not, usually for the lifetime of one
// execution plan. It is safe for concurrent use: concurrent compilations of the same key are executed
// only once, and the first stored result is the one every caller gets.
type ArtifactCache struct {
	mu      sync.RWMutex
	entries map[Key]artifactEntry
	group   singleflight.Group

	hits, misses atomic.Int64

	// shared, if set, is consulted on a miss and fed with new artifacts.
	shared *SharedCache
}

// NewArtifactCache creates an empty cache. If shared is not nil, artifacts are also shared with other caches
// through it.
func NewArtifactCache(shared *SharedCache) *ArtifactCache {
	return &ArtifactCache{
		entries: make(map[Key]artifactEntry),
		shared:  shared,
	}
}

// Get returns the artifact cached for key, if it was successfully compiled.
func (c *ArtifactCache) Get(key Key) (*Artifact, bool) {
	entry, found := c.lookup(key)
	if !found || entry.err != nil {
		return nil, false
	}
	return entry.artifact, true
}

func (c *ArtifactCache) lookup(key Key) (artifactEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.entries[key]
	return entry, found
}

// store the result for key, unless there is one already. It returns the stored entry.
func (c *ArtifactCache) store(key Key, entry artifactEntry) artifactEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, found := c.entries[key]; found {
		return previous
	}
	c.entries[key] = entry
	return entry
}

// GetOrCompile returns the cached result for key, or calls compile to create it.
// Errors are cached as well: compile is not called again for a key that failed, until it is invalidated.
func (c *ArtifactCache) GetOrCompile(key Key, compile func() (*Artifact, error)) (*Artifact, error) {
	if entry, found := c.lookup(key); found {
		c.hits.Add(1)
		klog.V(2).Infof("artifact cache hit for %s", key)
		return entry.artifact, entry.err
	}
	if c.shared != nil {
		if artifact, found := c.shared.Get(key); found {
			c.hits.Add(1)
			klog.V(2).Infof("shared artifact cache hit for %s", key)
			entry := c.store(key, artifactEntry{artifact: artifact})
			return entry.artifact, entry.err
		}
	}
	v, _, _ := c.group.Do(key.flightKey(), func() (any, error) {
		if entry, found := c.lookup(key); found {
			return entry, nil
		}
		c.misses.Add(1)
		klog.V(2).Infof("artifact cache miss for %s", key)
		artifact, err := compile()
		if err == nil && artifact == nil {
			err = errors.Errorf("compilation of %s returned no artifact", key)
		}
		entry := c.store(key, artifactEntry{artifact: artifact, err: err})
		if entry.err == nil && c.shared != nil {
			c.shared.Add(key, entry.artifact)
		}
		return entry, nil
	})
	entry := v.(artifactEntry)
	return entry.artifact, entry.err
}

// Hits returns the number of lookups served from the cache.
func (c *ArtifactCache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of compilations executed.
func (c *ArtifactCache) Misses() int64 { return c.misses.Load() }

// Len returns the number of cached results.
func (c *ArtifactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Artifacts returns the successfully compiled artifacts currently cached.
func (c *ArtifactCache) Artifacts() []*Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	artifacts := make([]*Artifact, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.err == nil {
			artifacts = append(artifacts, entry.artifact)
		}
	}
	return artifacts
}

// Invalidate removes all the entries of the routine (for any device or shapes), including
// from the shared cache. It returns the number of entries removed from this cache.
func (c *ArtifactCache) Invalidate(handle methods.Handle) int {
	c.mu.Lock()
	count := 0
	for key := range c.entries {
		if key.Handle == handle {
			delete(c.entries, key)
			count++
		}
	}
	c.mu.Unlock()
	if c.shared != nil {
		c.shared.Invalidate(handle)
	}
	return count
}

// SharedCache is a bounded (least-recently-used) cache of artifacts shared across execution plans.
// Only successful compilations are shared.
type SharedCache struct {
	lru *lru.Cache[Key, *Artifact]
}

// NewSharedCache creates a SharedCache holding at most size artifacts.
func NewSharedCache(size int) (*SharedCache, error) {
	cache, err := lru.New[Key, *Artifact](size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create shared artifact cache of size %d", size)
	}
	return &SharedCache{lru: cache}, nil
}

// Get returns the artifact for key, if present.
func (s *SharedCache) Get(key Key) (*Artifact, bool) {
	return s.lru.Get(key)
}

// Add the artifact, possibly evicting the least recently used one.
func (s *SharedCache) Add(key Key, artifact *Artifact) {
	if evicted := s.lru.Add(key, artifact); evicted {
		klog.V(2).Infof("shared artifact cache full (%d entries): evicted oldest entry", s.lru.Len())
	}
}

// Invalidate removes all the artifacts of the routine.
func (s *SharedCache) Invalidate(handle methods.Handle) {
	for _, key := range s.lru.Keys() {
		if key.Handle == handle {
			s.lru.Remove(key)
		}
	}
}

// Len returns the number of artifacts held.
func (s *SharedCache) Len() int { return s.lru.Len() }
