// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cachetest holds behaviour checks shared by every cache.Cache
// implementation.
package cachetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness builds a fresh cache and moves its notion of time forward.
type Harness struct {
	New     func(t *testing.T) cache.Cache
	Advance func(d time.Duration)
}

// Run exercises the cache contract against h.
func Run(t *testing.T, h Harness) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.Set(ctx, "k", "v", 0))

		v, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", v)

		_, err = c.Get(ctx, "missing")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("setnx", func(t *testing.T) {
		c := h.New(t)
		ok, err := c.SetNX(ctx, "k", "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.SetNX(ctx, "k", "second", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.Set(ctx, "short", "v", time.Second))
		require.NoError(t, c.Set(ctx, "long", "v", time.Hour))

		ok, err := c.Exists(ctx, "short")
		require.NoError(t, err)
		assert.True(t, ok)

		h.Advance(1500 * time.Millisecond)

		ok, err = c.Exists(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = c.Exists(ctx, "long")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.SetNX(ctx, "short", "again", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("hash set preserves expiry", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.HSet(ctx, "h", map[string]string{"a": "1"}))
		require.NoError(t, c.Expire(ctx, "h", time.Second))
		require.NoError(t, c.HSet(ctx, "h", map[string]string{"b": "2"}))

		all, err := c.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

		h.Advance(1500 * time.Millisecond)

		all, err = c.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("hash get", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.HSet(ctx, "h", map[string]string{"status": "sent"}))

		v, err := c.HGet(ctx, "h", "status")
		require.NoError(t, err)
		assert.Equal(t, "sent", v)

		_, err = c.HGet(ctx, "h", "nope")
		assert.ErrorIs(t, err, cache.ErrNotFound)

		_, err = c.HGet(ctx, "nope", "status")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("wrong type", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.Set(ctx, "s", "v", 0))
		assert.ErrorIs(t, c.HSet(ctx, "s", map[string]string{"a": "1"}), cache.ErrWrongType)

		require.NoError(t, c.HSet(ctx, "h", map[string]string{"a": "1"}))
		_, err := c.Get(ctx, "h")
		assert.ErrorIs(t, err, cache.ErrWrongType)
	})

	t.Run("compare and set", func(t *testing.T) {
		c := h.New(t)

		ok, err := c.HCompareAndSet(ctx, "cmd", "status", []string{"", "pending"}, map[string]string{"status": "sent", "vehicle_id": "v1"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.HCompareAndSet(ctx, "cmd", "status", []string{"", "pending"}, map[string]string{"status": "sent"})
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.HSet(ctx, "cmd", map[string]string{"status": "completed"}))

		ok, err = c.HCompareAndSet(ctx, "cmd", "status", []string{"pending", "sent"}, map[string]string{"status": "timeout"})
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := c.HGetAll(ctx, "cmd")
		require.NoError(t, err)
		assert.Equal(t, "completed", all["status"])
		assert.Equal(t, "v1", all["vehicle_id"])
	})

	t.Run("compare and set races", func(t *testing.T) {
		c := h.New(t)
		require.NoError(t, c.HSet(ctx, "cmd", map[string]string{"status": "sent"}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := c.HCompareAndSet(ctx, "cmd", "status", []string{"sent"}, map[string]string{"status": "timeout"})
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("expire and delete", func(t *testing.T) {
		c := h.New(t)
		assert.ErrorIs(t, c.Expire(ctx, "missing", time.Second), cache.ErrNotFound)

		require.NoError(t, c.Set(ctx, "k", "v", 0))
		require.NoError(t, c.Expire(ctx, "k", 0))
		ok, err := c.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.Set(ctx, "k", "v", 0))
		require.NoError(t, c.Delete(ctx, "k"))
		require.NoError(t, c.Delete(ctx, "k"))
		ok, err = c.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
