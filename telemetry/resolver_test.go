// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct {
	mu    sync.Mutex
	orgs  map[string]string
	calls atomic.Int32
	delay time.Duration
}

func (d *countingDirectory) VehicleOrg(_ context.Context, vehicleID string) (string, error) {
	d.calls.Add(1)
	time.Sleep(d.delay)
	d.mu.Lock()
	defer d.mu.Unlock()
	org, ok := d.orgs[vehicleID]
	if !ok {
		return "", errors.New("unknown vehicle")
	}
	return org, nil
}

func (d *countingDirectory) set(vehicle, org string) {
	d.mu.Lock()
	d.orgs[vehicle] = org
	d.mu.Unlock()
}

func TestOrgResolverCachesLookups(t *testing.T) {
	dir := &countingDirectory{orgs: map[string]string{"v1": "o1"}}
	r, err := NewOrgResolver(dir, 10, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for range 3 {
		org, err := r.Resolve(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "o1", org)
	}
	assert.Equal(t, int32(1), dir.calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestOrgResolverInvalidate(t *testing.T) {
	dir := &countingDirectory{orgs: map[string]string{"v1": "o1"}}
	r, err := NewOrgResolver(dir, 10, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Resolve(ctx, "v1")
	require.NoError(t, err)

	dir.set("v1", "o2")
	org, _ := r.Resolve(ctx, "v1")
	assert.Equal(t, "o1", org)

	r.Invalidate("v1")
	org, err = r.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "o2", org)
}

func TestOrgResolverDoesNotCacheFailures(t *testing.T) {
	dir := &countingDirectory{orgs: map[string]string{}}
	r, err := NewOrgResolver(dir, 10, time.Minute)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "v1")
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())

	dir.set("v1", "o1")
	org, err := r.Resolve(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "o1", org)
}

func TestOrgResolverBounded(t *testing.T) {
	dir := &countingDirectory{orgs: map[string]string{"a": "o", "b": "o", "c": "o"}}
	r, err := NewOrgResolver(dir, 2, time.Minute)
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		_, err := r.Resolve(context.Background(), v)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Len())
}

func TestOrgResolverSharesConcurrentMisses(t *testing.T) {
	dir := &countingDirectory{orgs: map[string]string{"v1": "o1"}, delay: 20 * time.Millisecond}
	r, err := NewOrgResolver(dir, 10, time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			org, err := r.Resolve(context.Background(), "v1")
			assert.NoError(t, err)
			assert.Equal(t, "o1", org)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, dir.calls.Load(), int32(2))
}

func TestNewOrgResolverRequiresDirectory(t *testing.T) {
	_, err := NewOrgResolver(nil, 10, time.Minute)
	assert.Error(t, err)
}
