// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/aerocommand/config"
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

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestLimiterBurstAndRefill(t *testing.T) {
	c := newClock()
	l := newLimiter(5, 2, 0, c.Now)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")

	c.Advance(200 * time.Millisecond)
	assert.True(t, l.Allow("a"), "one token refilled")
	assert.False(t, l.Allow("a"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	c := newClock()
	l := newLimiter(1, 1, 0, c.Now)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	l.Forget("a")
	assert.True(t, l.Allow("a"), "forgotten key starts with a full bucket")
}

func TestLimiterSweep(t *testing.T) {
	c := newClock()
	l := newLimiter(1, 1, 0, c.Now)
	l.idle = time.Minute
	defer l.Stop()

	l.Allow("old")
	c.Advance(50 * time.Second)
	l.Allow("fresh")
	c.Advance(20 * time.Second)

	l.sweep()
	assert.Equal(t, 1, l.Len())
	l.mu.Lock()
	_, ok := l.buckets["fresh"]
	l.mu.Unlock()
	assert.True(t, ok)
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	l := NewLimiter(1, 1, 10*time.Millisecond)
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestGuardDisabled(t *testing.T) {
	g := NewGuard(config.RateLimit{Enabled: false})
	assert.Nil(t, g)

	r := httptest.NewRequest("GET", "/ws", nil)
	for range 100 {
		assert.True(t, g.AllowConnect(r))
		assert.True(t, g.AllowAction("c1"))
	}
	g.Release("c1")
	g.Stop()
}

func TestGuardLimitsConnectsPerIP(t *testing.T) {
	g := NewGuard(config.RateLimit{Enabled: true, Rate: 0.001, Burst: 2, ActionRate: 0.001, ActionBurst: 1, CleanupInterval: time.Minute})
	require.NotNil(t, g)
	defer g.Stop()

	r1 := httptest.NewRequest("GET", "/ws", nil)
	r1.RemoteAddr = "10.0.0.1:5000"
	r2 := httptest.NewRequest("GET", "/ws", nil)
	r2.RemoteAddr = "10.0.0.1:5001"
	other := httptest.NewRequest("GET", "/ws", nil)
	other.RemoteAddr = "10.0.0.2:5000"

	assert.True(t, g.AllowConnect(r1))
	assert.True(t, g.AllowConnect(r2))
	assert.False(t, g.AllowConnect(r1), "same IP, different port")
	assert.True(t, g.AllowConnect(other))

	assert.True(t, g.AllowAction("c1"))
	assert.False(t, g.AllowAction("c1"))
	assert.True(t, g.AllowAction("c2"))
	g.Release("c1")
	assert.True(t, g.AllowAction("c1"))
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "192.168.1.1", ClientIP("192.168.1.1:1234"))
	assert.Equal(t, "::1", ClientIP("[::1]:80"))
	assert.Equal(t, "pipe", ClientIP("pipe"))
	assert.Equal(t, "", ClientIP(""))
}
