// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peers

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LockCache hands out one mutex per peer, created on first reference.
// Conversations with a peer are serialized by holding its lock. The cache
// is capped so a hostile or enormous network cannot grow it without
// bound; an evicted peer simply gets a fresh lock next time.
type LockCache struct {
	mut   sync.Mutex
	cache *lru.Cache[string, *sync.Mutex]
}

// NewLockCache creates a cache holding at most size locks.
func NewLockCache(size int) *LockCache {
	cache, err := lru.New[string, *sync.Mutex](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic("peers: bad lock cache size")
	}
	return &LockCache{cache: cache}
}

// Get returns the lock for the named peer, creating it if needed.
func (c *LockCache) Get(name string) *sync.Mutex {
	c.mut.Lock()
	defer c.mut.Unlock()

	if m, ok := c.cache.Get(name); ok {
		return m
	}
	m := &sync.Mutex{}
	c.cache.Add(name, m)
	return m
}
