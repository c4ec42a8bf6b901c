// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the pluggable key/value store used to memoize
// domain objects (users, guilds, channels) fetched over the REST API.
//
// [Cache] is the storage contract; [Memory] is an unbounded map-backed
// implementation and [LRU] a bounded, evicting one. [Manager] composes
// named sub-caches ("user", "guild", ...) and lazily materializes each
// with a configurable default constructor, so callers choose bounded or
// unbounded storage per deployment without the library taking a position.
package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is a key/value store for memoized domain objects. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key, if present.
	Get(key string) (any, bool)

	// Set stores value under key, replacing any existing entry.
	Set(key string, value any)

	// Delete removes the entry for key. Deleting an absent key is a no-op.
	Delete(key string)

	// GetOrCompute returns the cached value for key, or invokes produce to
	// create it, stores the result, and returns it. Concurrent calls for
	// the same key invoke produce once and share the result. A produce
	// error is returned to every waiting caller and nothing is stored.
	GetOrCompute(key string, produce func() (any, error)) (any, error)
}

// Memory returns an unbounded in-memory Cache backed by a map.
func Memory() Cache {
	return &memoryCache{entries: make(map[string]any)}
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]any
	group   singleflight.Group
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

func (c *memoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) GetOrCompute(key string, produce func() (any, error)) (any, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	// singleflight collapses concurrent misses for the same key into one
	// producer call; losers wait and share the winner's result.
	value, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := produce()
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})
	return value, err
}
