// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store holds the errors shared by the durable sink implementations.
// The contracts themselves are declared by their consumers (command,
// telemetry, alerts) and implemented by store/memory and store/dynamo.
package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when a status update would move a
	// command along an edge its state machine does not allow.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)
