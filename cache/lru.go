// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"golang.org/x/sync/singleflight"
)

// LRU returns a bounded Cache that evicts the least recently used entry
// once size entries are stored. Panics if size is not positive — the bound
// is a construction-time constant, not runtime input.
func LRU(size int) Cache {
	backing, err := lru.New[string, any](size)
	if err != nil {
		panic(fmt.Sprintf("cache: invalid LRU size %d: %v", size, err))
	}
	return &lruCache{backing: backing}
}

type lruCache struct {
	backing *lru.Cache[string, any]
	group   singleflight.Group
}

func (c *lruCache) Get(key string) (any, bool) {
	return c.backing.Get(key)
}

func (c *lruCache) Set(key string, value any) {
	c.backing.Add(key, value)
}

func (c *lruCache) Delete(key string) {
	c.backing.Remove(key)
}

func (c *lruCache) GetOrCompute(key string, produce func() (any, error)) (any, error) {
	if value, ok := c.backing.Get(key); ok {
		return value, nil
	}
	value, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.backing.Get(key); ok {
			return value, nil
		}
		value, err := produce()
		if err != nil {
			return nil, err
		}
		c.backing.Add(key, value)
		return value, nil
	})
	return value, err
}
