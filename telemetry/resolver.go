// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Directory maps vehicles to their owning organization.
type Directory interface {
	VehicleOrg(ctx context.Context, vehicleID string) (string, error)
}

// OrgResolver caches vehicle→org lookups in a bounded LRU whose entries
// expire after ttl. Concurrent misses for one vehicle share a single lookup.
type OrgResolver struct {
	dir   Directory
	lru   *expirable.LRU[string, string]
	group singleflight.Group
}

// NewOrgResolver creates a resolver over dir.
func NewOrgResolver(dir Directory, size int, ttl time.Duration) (*OrgResolver, error) {
	if dir == nil {
		return nil, errors.New("org resolver requires a directory")
	}
	if size <= 0 {
		size = 10000
	}
	return &OrgResolver{
		dir: dir,
		lru: expirable.NewLRU[string, string](size, nil, ttl),
	}, nil
}

// Resolve returns the organization owning vehicleID.
func (r *OrgResolver) Resolve(ctx context.Context, vehicleID string) (string, error) {
	if org, ok := r.lru.Get(vehicleID); ok {
		return org, nil
	}

	v, err, _ := r.group.Do(vehicleID, func() (any, error) {
		org, err := r.dir.VehicleOrg(ctx, vehicleID)
		if err != nil {
			return "", err
		}
		r.lru.Add(vehicleID, org)
		return org, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached org of vehicleID, e.g. after reassignment.
func (r *OrgResolver) Invalidate(vehicleID string) {
	r.lru.Remove(vehicleID)
}

// Len returns the number of cached entries.
func (r *OrgResolver) Len() int {
	return r.lru.Len()
}
