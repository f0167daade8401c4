// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache defines the fast-path key/value contract used for liveness
// keys, telemetry snapshots, command status entries and alert cooldowns.
// Every operation touches a single key; there are no multi-key transactions.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("cache: key not found")
	ErrWrongType   = errors.New("cache: operation against a key holding the wrong kind of value")
	ErrUnavailable = errors.New("cache: unavailable")
	ErrClosed      = errors.New("cache: closed")
)

// Cache is a TTL-aware key/value store holding plain strings and string hashes.
// A ttl of zero means no expiry.
type Cache interface {
	// Set stores a string value, replacing any existing value and expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores a string value only if key is absent. It reports whether
	// the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns a string value or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Exists reports whether key holds any live value.
	Exists(ctx context.Context, key string) (bool, error)

	// HSet merges fields into the hash at key, creating it if absent.
	// An existing expiry is preserved.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGet returns one hash field or ErrNotFound.
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll returns every field of the hash at key. A missing key yields an
	// empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HCompareAndSet merges fields into the hash at key only if the current
	// value of field is one of expect. An empty string in expect matches an
	// absent field or an absent key. It reports whether the write happened.
	HCompareAndSet(ctx context.Context, key, field string, expect []string, fields map[string]string) (bool, error)

	// Expire sets a new expiry on key. A non-positive ttl deletes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the cache.
	Close() error
}

// Matches reports whether current is one of expect, treating "" as absent.
func Matches(current string, present bool, expect []string) bool {
	for _, e := range expect {
		if e == "" && !present {
			return true
		}
		if present && e == current {
			return true
		}
	}
	return false
}
