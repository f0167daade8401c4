// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements cache.Cache on top of an embedded BadgerDB.
//
// Strings are stored verbatim; hashes are stored as JSON objects. The entry's
// user meta byte records which of the two a key holds. Expiry uses Badger's
// native entry TTL, so resolution is one second.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/dgraph-io/badger/v4"
)

var _ cache.Cache = (*Cache)(nil)

const (
	metaString byte = 's'
	metaHash   byte = 'h'

	maxConflictRetries = 32
	defaultGCInterval  = 5 * time.Minute
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period
}

// Cache is a cache.Cache backed by BadgerDB.
type Cache struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed cache.
func New(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Cache contents are rebuilt from live traffic; fsync per write buys nothing.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	c := &Cache{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go c.runGC(interval, cfg.InMemory)

	return c, nil
}

type value struct {
	meta    byte
	raw     []byte
	expires uint64
}

func (v value) hash() (map[string]string, error) {
	h := map[string]string{}
	if err := json.Unmarshal(v.raw, &h); err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	return h, nil
}

// load reads key inside txn. A missing or expired key yields ok == false.
func load(txn *badger.Txn, key string) (value, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return value{}, false, nil
	}
	if err != nil {
		return value{}, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return value{}, false, err
	}
	return value{meta: item.UserMeta(), raw: raw, expires: item.ExpiresAt()}, true, nil
}

func ttlEntry(key string, raw []byte, meta byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), raw).WithMeta(meta)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func storeHash(txn *badger.Txn, key string, h map[string]string, expires uint64) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode hash: %w", err)
	}
	e := badger.NewEntry([]byte(key), raw).WithMeta(metaHash)
	e.ExpiresAt = expires
	return txn.SetEntry(e)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) view(fn func(txn *badger.Txn) error) error {
	if c.isClosed() {
		return cache.ErrClosed
	}
	return c.db.View(fn)
}

// update runs fn in a read-write transaction, retrying on write conflicts so
// read-modify-write operations stay atomic per key.
func (c *Cache) update(fn func(txn *badger.Txn) error) error {
	if c.isClosed() {
		return cache.ErrClosed
	}
	var err error
	for range maxConflictRetries {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
}

func (c *Cache) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.update(func(txn *badger.Txn) error {
		return txn.SetEntry(ttlEntry(key, []byte(val), metaString, ttl))
	})
}

func (c *Cache) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var stored bool
	err := c.update(func(txn *badger.Txn) error {
		stored = false
		_, ok, err := load(txn, key)
		if err != nil || ok {
			return err
		}
		stored = true
		return txn.SetEntry(ttlEntry(key, []byte(val), metaString, ttl))
	})
	return stored, err
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := c.view(func(txn *badger.Txn) error {
		v, ok, err := load(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return cache.ErrNotFound
		}
		if v.meta != metaString {
			return cache.ErrWrongType
		}
		out = string(v.raw)
		return nil
	})
	return out, err
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := c.view(func(txn *badger.Txn) error {
		_, ok, err := load(txn, key)
		found = ok
		return err
	})
	return found, err
}

// loadHash returns the hash at key plus its expiry; absent keys yield an empty hash.
func loadHash(txn *badger.Txn, key string) (map[string]string, uint64, bool, error) {
	v, ok, err := load(txn, key)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return map[string]string{}, 0, false, nil
	}
	if v.meta != metaHash {
		return nil, 0, false, cache.ErrWrongType
	}
	h, err := v.hash()
	return h, v.expires, true, err
}

func (c *Cache) HSet(ctx context.Context, key string, fields map[string]string) error {
	return c.update(func(txn *badger.Txn) error {
		h, expires, _, err := loadHash(txn, key)
		if err != nil {
			return err
		}
		maps.Copy(h, fields)
		return storeHash(txn, key, h, expires)
	})
}

func (c *Cache) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := c.view(func(txn *badger.Txn) error {
		h, _, ok, err := loadHash(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return cache.ErrNotFound
		}
		v, ok := h[field]
		if !ok {
			return cache.ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.view(func(txn *badger.Txn) error {
		h, _, _, err := loadHash(txn, key)
		out = h
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cache) HCompareAndSet(ctx context.Context, key, field string, expect []string, fields map[string]string) (bool, error) {
	var swapped bool
	err := c.update(func(txn *badger.Txn) error {
		swapped = false
		h, expires, _, err := loadHash(txn, key)
		if err != nil {
			return err
		}
		current, present := h[field]
		if !cache.Matches(current, present, expect) {
			return nil
		}
		maps.Copy(h, fields)
		swapped = true
		return storeHash(txn, key, h, expires)
	})
	return swapped, err
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.update(func(txn *badger.Txn) error {
		v, ok, err := load(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return cache.ErrNotFound
		}
		if ttl <= 0 {
			return txn.Delete([]byte(key))
		}
		return txn.SetEntry(ttlEntry(key, v.raw, v.meta, ttl))
	})
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close stops value log GC and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.gcStopCh)
	<-c.gcDone

	return c.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (c *Cache) runGC(interval time.Duration, inMemory bool) {
	defer close(c.gcDone)
	if inMemory {
		<-c.gcStopCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was worth collecting.
			_ = c.db.RunValueLogGC(0.5)
		case <-c.gcStopCh:
			return
		}
	}
}
