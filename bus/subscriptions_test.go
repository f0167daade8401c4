// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedHandler(name string, got *string) Handler {
	return func(ctx context.Context, topic string, payload []byte) error {
		*got = name
		return nil
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	var got string
	var r registry
	r.add(subscription{pattern: "root/+/telemetry/+/raw", handler: namedHandler("raw", &got)})
	r.add(subscription{pattern: "root/#", handler: namedHandler("all", &got)})

	s, ok := r.match("root/o1/telemetry/v1/raw")
	require.True(t, ok)
	require.NoError(t, s.handler(context.Background(), "", nil))
	assert.Equal(t, "raw", got)

	s, ok = r.match("root/o1/command/v1/ack")
	require.True(t, ok)
	require.NoError(t, s.handler(context.Background(), "", nil))
	assert.Equal(t, "all", got)

	_, ok = r.match("other/topic")
	assert.False(t, ok)
}

func TestRegistryReplaceKeepsPosition(t *testing.T) {
	var got string
	var r registry
	r.add(subscription{pattern: "a/#", handler: namedHandler("first", &got)})
	r.add(subscription{pattern: "a/b", handler: namedHandler("second", &got)})
	r.add(subscription{pattern: "a/#", handler: namedHandler("replaced", &got)})

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a/#", snap[0].pattern)
	assert.Equal(t, "a/b", snap[1].pattern)

	s, ok := r.match("a/b")
	require.True(t, ok)
	require.NoError(t, s.handler(context.Background(), "", nil))
	assert.Equal(t, "replaced", got)

	assert.True(t, r.remove("a/#"))
	assert.False(t, r.remove("a/#"))
	s, ok = r.match("a/b")
	require.True(t, ok)
	require.NoError(t, s.handler(context.Background(), "", nil))
	assert.Equal(t, "second", got)
}
