// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus maintains one resilient logical connection to the pub/sub
// broker. Publishes are queued and drained in order whenever the transport
// is up; subscriptions are client state and are reissued on every
// reconnection; inbound messages go to the first matching handler.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/aerocommand/server/otel"
	"github.com/absmach/aerocommand/topics"
)

// Handler processes one inbound message. Returned errors and panics are
// logged and counted; they never stop the client.
type Handler func(ctx context.Context, topic string, payload []byte) error

// PublishOption adjusts a single publish.
type PublishOption func(*Message)

// WithQoS overrides the default QoS.
func WithQoS(qos byte) PublishOption {
	return func(m *Message) { m.QoS = qos }
}

// WithRetain marks the message as retained.
func WithRetain() PublishOption {
	return func(m *Message) { m.Retain = true }
}

// Client is the message bus client.
type Client struct {
	transport Transport
	opts      *Options
	logger    *slog.Logger
	metrics   *otel.Metrics

	state   stateManager
	subs    registry
	queue   *queue
	started atomic.Bool

	// connMu orders registry changes against resubscription after connect.
	connMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// New creates a client over transport. Nothing is dialed until Start.
func New(transport Transport, opts *Options) (*Client, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		queue:     newQueue(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the connection loop and the publish loop. It does not wait
// for the first connection.
func (c *Client) Start() error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.loops.Add(2)
	go c.connectionLoop()
	go c.publishLoop()
	return nil
}

// Stop cancels the background loops and disconnects. Messages still queued
// are discarded.
func (c *Client) Stop() {
	if !c.state.close() {
		return
	}
	c.cancel()
	c.loops.Wait()
	c.transport.Disconnect()

	if n := c.queue.len(); n > 0 {
		c.logger.Warn("bus_stopped_with_pending_messages", slog.Int("pending", n))
	}
	c.logger.Info("bus_stopped")
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the transport is up and subscriptions are applied.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// Pending returns the number of queued outbound messages.
func (c *Client) Pending() int {
	return c.queue.len()
}

// Subscribe registers handler for pattern. If connected, the subscription is
// sent right away; either way it is reissued on every future connection.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := topics.ValidateFilter(pattern); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if c.state.isClosed() {
		return ErrClientClosed
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.subs.add(subscription{pattern: pattern, qos: c.opts.QoS, handler: handler})
	if !c.state.isConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SubscribeTimeout)
	defer cancel()
	if err := c.transport.Subscribe(ctx, pattern, c.opts.QoS); err != nil {
		// The registration stands; the next connection reissues it.
		c.logger.Warn("bus_subscribe_failed",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()))
		c.metrics.RecordError(otel.ErrorConnect)
		return nil
	}
	c.logger.Info("bus_subscribed", slog.String("pattern", pattern))
	return nil
}

// Unsubscribe forgets a pattern. The broker-side subscription lapses with
// the current connection.
func (c *Client) Unsubscribe(pattern string) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.subs.remove(pattern)
}

// Publish validates the topic and enqueues the message. It never waits on
// the transport.
func (c *Client) Publish(topic string, payload []byte, opts ...PublishOption) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if err := topics.ValidateTopicName(topic); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	m := Message{Topic: topic, Payload: payload, QoS: c.opts.QoS}
	for _, o := range opts {
		o(&m)
	}
	if m.QoS > 2 {
		return ErrInvalidQoS
	}

	c.queue.pushBack(m)
	c.metrics.RecordQueueDelta(1)
	return nil
}

// PublishJSON encodes v and publishes it.
func (c *Client) PublishJSON(topic string, v any, opts ...PublishOption) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return c.Publish(topic, payload, opts...)
}

// sleep waits for d or until the client stops. It reports whether the
// client is still running.
func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// connectionLoop retries forever with a fixed delay.
func (c *Client) connectionLoop() {
	defer c.loops.Done()

	for c.ctx.Err() == nil {
		c.state.transition(StateConnecting)

		lost, err := c.transport.Connect(c.ctx, c.dispatch)
		if err != nil {
			c.state.transition(StateDisconnected)
			c.logger.Error("bus_connect_failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", c.opts.ReconnectDelay))
			c.metrics.RecordError(otel.ErrorConnect)
			if !c.sleep(c.opts.ReconnectDelay) {
				return
			}
			c.metrics.RecordReconnect()
			continue
		}

		c.resubscribe()
		c.logger.Info("bus_connected")
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}

		select {
		case <-c.ctx.Done():
			return
		case err := <-lost:
			c.state.transition(StateDisconnected)
			c.logger.Error("bus_connection_lost",
				slog.Any("error", err),
				slog.Duration("retry_in", c.opts.ReconnectDelay))
			if c.opts.OnConnectionLost != nil {
				c.opts.OnConnectionLost(err)
			}
			if !c.sleep(c.opts.ReconnectDelay) {
				return
			}
			c.metrics.RecordReconnect()
		}
	}
}

// resubscribe reissues every registered pattern, in registration order, and
// then marks the client connected.
func (c *Client) resubscribe() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	for _, s := range c.subs.snapshot() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.SubscribeTimeout)
		err := c.transport.Subscribe(ctx, s.pattern, s.qos)
		cancel()
		if err != nil {
			c.logger.Warn("bus_resubscribe_failed",
				slog.String("pattern", s.pattern),
				slog.String("error", err.Error()))
			c.metrics.RecordError(otel.ErrorConnect)
		}
	}
	c.state.transition(StateConnected)
}

// publishLoop drains the queue one message at a time.
func (c *Client) publishLoop() {
	defer c.loops.Done()

	for {
		m, ok := c.queue.pop(c.ctx)
		if !ok {
			return
		}

		if !c.state.isConnected() {
			c.queue.pushFront(m)
			c.metrics.RecordRequeue()
			if !c.sleep(c.opts.RequeueDelay) {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.opts.PublishTimeout)
		err := c.transport.Publish(ctx, m.Topic, m.Payload, m.QoS, m.Retain)
		cancel()
		if errors.Is(err, ErrUnconfirmed) {
			c.metrics.RecordQueueDelta(-1)
			c.metrics.RecordError(otel.ErrorPublishUnconfirmed)
			c.logger.Warn("bus_publish_unconfirmed",
				slog.String("topic", m.Topic),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			c.queue.pushFront(m)
			c.metrics.RecordRequeue()
			c.metrics.RecordError(otel.ErrorPublish)
			c.logger.Warn("bus_publish_failed",
				slog.String("topic", m.Topic),
				slog.String("error", err.Error()))
			if !c.sleep(c.opts.RequeueDelay) {
				return
			}
			continue
		}

		c.metrics.RecordQueueDelta(-1)
		c.metrics.RecordMessagePublished(m.QoS)
	}
}

// dispatch routes an inbound message to the first matching handler on its
// own goroutine so the transport's read path is never blocked.
func (c *Client) dispatch(topic string, payload []byte) {
	s, ok := c.subs.match(topic)
	if !ok {
		c.logger.Debug("bus_message_unrouted", slog.String("topic", topic))
		return
	}
	c.metrics.RecordMessageReceived(s.pattern)

	go c.invoke(s, topic, payload)
}

func (c *Client) invoke(s subscription, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bus_handler_panic",
				slog.String("topic", topic),
				slog.String("pattern", s.pattern),
				slog.Any("panic", r))
			c.metrics.RecordError(otel.ErrorHandler)
		}
	}()

	if err := s.handler(c.ctx, topic, payload); err != nil {
		c.logger.Error("bus_handler_failed",
			slog.String("topic", topic),
			slog.String("pattern", s.pattern),
			slog.String("error", err.Error()))
		c.metrics.RecordError(otel.ErrorHandler)
	}
}
