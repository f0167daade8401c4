// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var _ Transport = (*PahoTransport)(nil)

// PahoConfig holds broker connection settings for the paho transport.
type PahoConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// PahoTransport adapts an Eclipse paho client to Transport. Paho's own
// reconnect is disabled; the bus client decides when to redial.
type PahoTransport struct {
	cfg    PahoConfig
	logger *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewPahoTransport creates a transport that dials cfg.BrokerURL on Connect.
func NewPahoTransport(cfg PahoConfig, logger *slog.Logger) *PahoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &PahoTransport{cfg: cfg, logger: logger}
}

func (p *PahoTransport) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) (<-chan error, error) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetKeepAlive(p.cfg.KeepAlive).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		onMessage(msg.Topic(), msg.Payload())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), p.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", p.cfg.BrokerURL, err)
	}

	p.mu.Lock()
	old := p.client
	p.client = client
	p.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}

	return lost, nil
}

func (p *PahoTransport) current() (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

func (p *PahoTransport) Subscribe(ctx context.Context, pattern string, qos byte) error {
	client, err := p.current()
	if err != nil {
		return err
	}
	// A nil callback routes messages through the default publish handler.
	return wait(ctx, client.Subscribe(pattern, qos, nil), 0)
}

func (p *PahoTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := p.current()
	if err != nil {
		return err
	}
	return unconfirmed(wait(ctx, client.Publish(topic, qos, retain, payload), 0))
}

// unconfirmed marks a publish whose token was still pending. Paho keeps the
// packet in its outbound store and redelivers it itself.
func unconfirmed(err error) error {
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	return err
}

func (p *PahoTransport) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// wait blocks until the token completes, ctx is done or timeout (if set) elapses.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-expired:
		return ErrTimeout
	}
}
