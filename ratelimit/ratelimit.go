// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles live viewers: connection attempts per client IP
// and subscription changes per open connection.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/aerocommand/config"
	"golang.org/x/time/rate"
)

// Limiter is a set of token buckets keyed by an arbitrary string. Buckets
// idle for longer than the idle window are swept.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing r events per second per key with the
// given burst. A positive idle starts the sweeper.
func NewLimiter(r float64, burst int, idle time.Duration) *Limiter {
	return newLimiter(r, burst, idle, time.Now)
}

func newLimiter(r float64, burst int, idle time.Duration, now func() time.Time) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(r),
		burst:   burst,
		idle:    idle,
		now:     now,
		stopCh:  make(chan struct{}),
	}
	if idle > 0 {
		go l.sweepLoop()
	}
	return l
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.limiter
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Forget drops key's bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	threshold := l.now().Add(-l.idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(threshold) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Guard applies the realtime rate limits. A nil or disabled guard allows
// everything.
type Guard struct {
	connects *Limiter
	actions  *Limiter
}

// NewGuard builds a guard from cfg. It returns nil when limiting is disabled.
func NewGuard(cfg config.RateLimit) *Guard {
	if !cfg.Enabled {
		return nil
	}
	return &Guard{
		connects: NewLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval),
		actions:  NewLimiter(cfg.ActionRate, cfg.ActionBurst, cfg.CleanupInterval),
	}
}

// AllowConnect reports whether the client behind r may open a connection.
func (g *Guard) AllowConnect(r *http.Request) bool {
	if g == nil {
		return true
	}
	ip := ClientIP(r.RemoteAddr)
	if ip == "" {
		return true
	}
	return g.connects.Allow(ip)
}

// AllowAction reports whether connection id may change its subscriptions.
func (g *Guard) AllowAction(id string) bool {
	if g == nil {
		return true
	}
	return g.actions.Allow(id)
}

// Release forgets the action bucket of a closed connection.
func (g *Guard) Release(id string) {
	if g == nil {
		return
	}
	g.actions.Forget(id)
}

// Stop ends both sweepers.
func (g *Guard) Stop() {
	if g == nil {
		return
	}
	g.connects.Stop()
	g.actions.Stop()
}

// ClientIP extracts the host part of a remote address.
func ClientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
