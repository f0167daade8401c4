// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-memory loopback broker for exercising the
// bus client and the services above it without a network.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/aerocommand/topics"
)

// Errors.
var (
	ErrBrokerDown   = errors.New("loopback broker is down")
	ErrNotConnected = errors.New("loopback transport not connected")
	ErrConnDropped  = errors.New("loopback connection dropped")
)

// Published is a message the broker accepted.
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Broker routes publishes between connected transports using MQTT wildcard
// matching. Each transport receives a message at most once.
type Broker struct {
	mu        sync.Mutex
	conns     map[*Transport]struct{}
	down      bool
	published []Published
}

// NewBroker creates a running broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*Transport]struct{})}
}

// Transport returns a new, unconnected transport attached to b.
func (b *Broker) Transport() *Transport {
	return &Transport{broker: b}
}

// SetDown makes subsequent connection attempts fail (true) or succeed (false).
// Existing connections are not touched; use DropAll for that.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// DropAll severs every live connection and signals connection loss.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*Transport, 0, len(b.conns))
	for t := range b.conns {
		conns = append(conns, t)
	}
	b.conns = make(map[*Transport]struct{})
	b.mu.Unlock()

	for _, t := range conns {
		t.drop()
	}
}

// Published returns a copy of everything published so far, in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns published messages whose topic matches filter.
func (b *Broker) PublishedTo(filter string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if topics.TopicMatch(filter, p.Topic) {
			out = append(out, p)
		}
	}
	return out
}

// Inject delivers a message as if an external device had published it.
func (b *Broker) Inject(topic string, payload []byte) {
	b.route(Published{Topic: topic, Payload: payload})
}

func (b *Broker) route(p Published) {
	b.mu.Lock()
	b.published = append(b.published, p)
	targets := make([]*Transport, 0, len(b.conns))
	for t := range b.conns {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.deliver(p)
	}
}

// Transport is a loopback connection. It satisfies bus.Transport.
type Transport struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	onMessage func(topic string, payload []byte)
	lost      chan error
	subs      []string
	connects  int
}

func (t *Transport) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrBrokerDown
	}

	t.mu.Lock()
	t.connected = true
	t.onMessage = onMessage
	t.lost = make(chan error, 1)
	t.subs = nil // clean session
	t.connects++
	lost := t.lost
	t.mu.Unlock()

	b.conns[t] = struct{}{}
	return lost, nil
}

func (t *Transport) Subscribe(ctx context.Context, pattern string, qos byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.subs = append(t.subs, pattern)
	return nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	t.broker.route(Published{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	return nil
}

func (t *Transport) Disconnect() {
	b := t.broker
	b.mu.Lock()
	delete(b.conns, t)
	b.mu.Unlock()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// Subscriptions returns the patterns subscribed on the current connection.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.subs))
	copy(out, t.subs)
	return out
}

// Connects returns how many successful connections this transport made.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) drop() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	lost := t.lost
	t.mu.Unlock()

	select {
	case lost <- ErrConnDropped:
	default:
	}
}

func (t *Transport) deliver(p Published) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	matched := false
	for _, s := range t.subs {
		if topics.TopicMatch(s, p.Topic) {
			matched = true
			break
		}
	}
	fn := t.onMessage
	t.mu.Unlock()

	if matched && fn != nil {
		fn(p.Topic, p.Payload)
	}
}
