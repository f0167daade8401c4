// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers command and alert events to external webhook
// endpoints without blocking the caller.
package notify

import (
	"context"
	"errors"

	"github.com/absmach/aerocommand/events"
)

// Errors returned by notifiers.
var (
	ErrClosed    = errors.New("notifier closed")
	ErrNilSender = errors.New("sender cannot be nil")
)

// Notifier sends events asynchronously.
type Notifier interface {
	// Notify enqueues an event for every matching endpoint. It never blocks
	// on delivery.
	Notify(ctx context.Context, event events.Event) error

	// Close stops the workers, waiting up to the configured shutdown timeout.
	Close() error
}

// Sender is the protocol-specific delivery mechanism.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}
