// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"
	"time"

	"github.com/absmach/aerocommand/server/otel"
)

// Default values.
const (
	DefaultQoS              = 1
	DefaultReconnectDelay   = 5 * time.Second
	DefaultRequeueDelay     = 1 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultPublishTimeout   = 10 * time.Second
)

// Options configures the bus client.
type Options struct {
	QoS              byte          // Default QoS for publishes and subscriptions
	ReconnectDelay   time.Duration // Fixed wait between connection attempts
	RequeueDelay     time.Duration // Wait after re-enqueueing a message while disconnected
	SubscribeTimeout time.Duration
	PublishTimeout   time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics // nil disables metrics

	// Callbacks
	OnConnect        func()      // Called after every successful (re)connection and resubscribe
	OnConnectionLost func(error) // Called when an established connection drops
}

// NewOptions returns options with defaults.
func NewOptions() *Options {
	return &Options{
		QoS:              DefaultQoS,
		ReconnectDelay:   DefaultReconnectDelay,
		RequeueDelay:     DefaultRequeueDelay,
		SubscribeTimeout: DefaultSubscribeTimeout,
		PublishTimeout:   DefaultPublishTimeout,
	}
}

func (o *Options) SetQoS(qos byte) *Options {
	o.QoS = qos
	return o
}

func (o *Options) SetReconnectDelay(d time.Duration) *Options {
	o.ReconnectDelay = d
	return o
}

func (o *Options) SetRequeueDelay(d time.Duration) *Options {
	o.RequeueDelay = d
	return o
}

func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

func (o *Options) SetMetrics(m *otel.Metrics) *Options {
	o.Metrics = m
	return o
}

func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options and fills zero durations with defaults.
func (o *Options) Validate() error {
	if o.QoS > 2 {
		return ErrInvalidQoS
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = DefaultRequeueDelay
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
