// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package realtime groups live viewer connections into named channels and
// broadcasts payloads to every member of a channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/aerocommand/server/otel"
)

// Channel name helpers. Names are conventions; the hub treats them as opaque.
func VehicleChannel(id string) string { return "vehicle:" + id }
func OrgChannel(id string) string     { return "org:" + id }
func FleetChannel(id string) string   { return "fleet:" + id }
func AlertsChannel(org string) string { return "alerts:" + org }

// Message is the frame pushed to viewers.
type Message struct {
	Type      string `json:"type"`
	VehicleID string `json:"vehicle_id,omitempty"`
	Data      any    `json:"data"`
}

// Conn is a live viewer connection.
type Conn interface {
	// Send writes one message. It must honour ctx for its deadline.
	Send(ctx context.Context, data []byte) error
	// Close terminates the connection.
	Close() error
}

// Hub is the channel multiplexer. channel→connections and
// connection→channels are always mutated together under mu.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[Conn]struct{}
	conns    map[Conn]map[string]struct{}

	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics
}

// NewHub creates an empty hub. Each send is bounded by sendTimeout.
func NewHub(sendTimeout time.Duration, logger *slog.Logger, metrics *otel.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Hub{
		channels:    make(map[string]map[Conn]struct{}),
		conns:       make(map[Conn]map[string]struct{}),
		sendTimeout: sendTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Connect registers conn in every channel. Connecting an already known
// connection adds the channels to its existing set.
func (h *Hub) Connect(conn Conn, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn]; !ok {
		h.conns[conn] = make(map[string]struct{})
		h.metrics.RecordConnection(1)
	}
	h.join(conn, channels)
}

// Subscribe adds channels to a connected conn. Unknown connections are ignored.
func (h *Hub) Subscribe(conn Conn, channels ...string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return false
	}
	h.join(conn, channels)
	return true
}

// join links conn and channels in both maps. Caller holds mu.
func (h *Hub) join(conn Conn, channels []string) {
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		members, ok := h.channels[ch]
		if !ok {
			members = make(map[Conn]struct{})
			h.channels[ch] = members
		}
		members[conn] = struct{}{}
		h.conns[conn][ch] = struct{}{}
	}
}

// Unsubscribe removes conn from channels, pruning channels left empty.
func (h *Hub) Unsubscribe(conn Conn, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.conns[conn]
	if !ok {
		return
	}
	for _, ch := range channels {
		delete(joined, ch)
		h.leave(conn, ch)
	}
}

// leave removes conn from one channel's member set. Caller holds mu.
func (h *Hub) leave(conn Conn, ch string) {
	members, ok := h.channels[ch]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.channels, ch)
	}
}

// Disconnect removes conn from every channel it joined.
func (h *Hub) Disconnect(conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remove(conn)
}

// remove drops conn from both maps. Caller holds mu.
func (h *Hub) remove(conn Conn) bool {
	joined, ok := h.conns[conn]
	if !ok {
		return false
	}
	for ch := range joined {
		h.leave(conn, ch)
	}
	delete(h.conns, conn)
	h.metrics.RecordConnection(-1)
	return true
}

// Broadcast sends data to every member of channel and returns how many sends
// succeeded. A member whose send fails is disconnected and closed; the rest
// still receive the message.
func (h *Hub) Broadcast(ctx context.Context, channel string, data []byte) int {
	h.mu.RLock()
	members := make([]Conn, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
		err := c.Send(sctx, data)
		cancel()
		if err == nil {
			delivered++
			continue
		}

		h.logger.Debug("realtime_send_failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		h.metrics.RecordBroadcastFailure()
		if h.Disconnect(c) {
			_ = c.Close()
		}
	}
	return delivered
}

// BroadcastJSON encodes v once and broadcasts it to each channel in turn.
func (h *Hub) BroadcastJSON(ctx context.Context, v any, channels ...string) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	n := 0
	for _, ch := range channels {
		n += h.Broadcast(ctx, ch, data)
	}
	return n, nil
}

// Channels returns the channels conn has joined, sorted.
func (h *Hub) Channels(conn Conn) []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.conns[conn]))
	for ch := range h.conns[conn] {
		out = append(out, ch)
	}
	h.mu.RUnlock()
	slices.Sort(out)
	return out
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ChannelCount returns the number of non-empty channels.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// MemberCount returns the number of connections in channel.
func (h *Hub) MemberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close closes and forgets every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		h.remove(c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
