// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process cache.Cache with lazy expiry.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/absmach/aerocommand/cache"
)

var _ cache.Cache = (*Cache)(nil)

type entry struct {
	value   string
	hash    map[string]string
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Cache is a mutex-guarded map. Expired entries are removed when touched.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	closed  bool
}

// New creates an empty cache using the wall clock.
func New() *Cache {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty cache that reads time from now.
func NewWithClock(now func() time.Time) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     now,
	}
}

// live returns the unexpired entry for key. Caller holds mu.
func (c *Cache) live(key string) (*entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func (c *Cache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	c.entries[key] = &entry{value: value, expires: c.deadline(ttl)}
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, cache.ErrClosed
	}
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.entries[key] = &entry{value: value, expires: c.deadline(ttl)}
	return true, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", cache.ErrClosed
	}
	e, ok := c.live(key)
	if !ok {
		return "", cache.ErrNotFound
	}
	if e.hash != nil {
		return "", cache.ErrWrongType
	}
	return e.value, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, cache.ErrClosed
	}
	_, ok := c.live(key)
	return ok, nil
}

// hash returns the hash at key, creating it when absent. Caller holds mu.
func (c *Cache) hash(key string) (*entry, error) {
	e, ok := c.live(key)
	if !ok {
		e = &entry{hash: make(map[string]string)}
		c.entries[key] = e
		return e, nil
	}
	if e.hash == nil {
		return nil, cache.ErrWrongType
	}
	return e, nil
}

func (c *Cache) HSet(ctx context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	e, err := c.hash(key)
	if err != nil {
		return err
	}
	maps.Copy(e.hash, fields)
	return nil
}

func (c *Cache) HGet(ctx context.Context, key, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", cache.ErrClosed
	}
	e, ok := c.live(key)
	if !ok {
		return "", cache.ErrNotFound
	}
	if e.hash == nil {
		return "", cache.ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, cache.ErrClosed
	}
	e, ok := c.live(key)
	if !ok {
		return map[string]string{}, nil
	}
	if e.hash == nil {
		return nil, cache.ErrWrongType
	}
	return maps.Clone(e.hash), nil
}

func (c *Cache) HCompareAndSet(ctx context.Context, key, field string, expect []string, fields map[string]string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, cache.ErrClosed
	}

	var current string
	present := false
	if e, ok := c.live(key); ok {
		if e.hash == nil {
			return false, cache.ErrWrongType
		}
		current, present = e.hash[field]
	}
	if !cache.Matches(current, present, expect) {
		return false, nil
	}

	e, err := c.hash(key)
	if err != nil {
		return false, err
	}
	maps.Copy(e.hash, fields)
	return true, nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	e, ok := c.live(key)
	if !ok {
		return cache.ErrNotFound
	}
	if ttl <= 0 {
		delete(c.entries, key)
		return nil
	}
	e.expires = c.deadline(ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	delete(c.entries, key)
	return nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]*entry)
	return nil
}
