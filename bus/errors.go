// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "errors"

// Client errors.
var (
	ErrClientClosed   = errors.New("bus client has been closed")
	ErrAlreadyStarted = errors.New("bus client already started")
	ErrNotConnected   = errors.New("transport not connected")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalidPattern = errors.New("invalid subscription pattern")
	ErrInvalidQoS     = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrNilHandler     = errors.New("handler cannot be nil")
	ErrNilTransport   = errors.New("transport cannot be nil")
	ErrTimeout        = errors.New("transport operation timed out")
	ErrUnconfirmed    = errors.New("publish left the client but was not confirmed")
)
