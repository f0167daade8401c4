// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/absmach/aerocommand/cache/cachetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheContract(t *testing.T) {
	cachetest.Run(t, cachetest.Harness{
		New:     func(t *testing.T) cache.Cache { return newCache(t) },
		Advance: time.Sleep,
	})
}

func TestCacheReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, c.HSet(ctx, "aero:command:c1", map[string]string{"status": "sent"}))
	require.NoError(t, c.Close())

	c, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.HGet(ctx, "aero:command:c1", "status")
	require.NoError(t, err)
	assert.Equal(t, "sent", v)
}

func TestCacheInMemory(t *testing.T) {
	ctx := context.Background()
	c, err := New(Config{InMemory: true})
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Set(ctx, "k", "v", 0), cache.ErrClosed)
}
