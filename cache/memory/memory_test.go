// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/aerocommand/cache"
	"github.com/absmach/aerocommand/cache/cachetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCacheContract(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cachetest.Run(t, cachetest.Harness{
		New: func(t *testing.T) cache.Cache {
			return NewWithClock(clk.Now)
		},
		Advance: clk.Advance,
	})
}

func TestCacheClosed(t *testing.T) {
	c := New()
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Set(context.Background(), "k", "v", 0), cache.ErrClosed)
	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestHGetAllReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.HSet(ctx, "h", map[string]string{"a": "1"}))

	all, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	all["a"] = "changed"

	v, err := c.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}
