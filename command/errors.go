// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"errors"

	"github.com/absmach/aerocommand/store"
)

var (
	// ErrVehicleOffline is returned by Dispatch when the liveness entry is
	// missing or not "online".
	ErrVehicleOffline = errors.New("vehicle is offline")

	// ErrDispatchUnavailable is returned when the command could not even be
	// queued on the bus.
	ErrDispatchUnavailable = errors.New("command dispatch unavailable")

	ErrInvalidRequest = errors.New("invalid command request")
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidAck     = errors.New("invalid command acknowledgment")

	// Shared with the durable stores.
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrNotFound          = store.ErrNotFound
)
