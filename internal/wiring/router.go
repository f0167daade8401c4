// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring binds the service subscriptions on the bus to the telemetry
// pipeline and the command coordinator.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/aerocommand/bus"
	"github.com/absmach/aerocommand/command"
	"github.com/absmach/aerocommand/topics"
)

// ErrUnexpectedTopic is returned when a handler receives a topic outside the
// pattern it was registered for.
var ErrUnexpectedTopic = errors.New("unexpected topic")

// Subscriber registers handlers for topic patterns.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler bus.Handler) error
}

// Telemetry consumes vehicle state.
type Telemetry interface {
	Ingest(ctx context.Context, org, vehicleID string, payload []byte) error
	ProcessHeartbeat(ctx context.Context, org, vehicleID string, payload []byte) error
	RelayMission(ctx context.Context, org, vehicleID string, payload []byte) error
}

// Commands consumes command acknowledgments.
type Commands interface {
	HandleAck(ctx context.Context, org, vehicleID string, ack command.Ack) error
}

// Handlers are the consumers behind the service subscriptions.
type Handlers struct {
	Telemetry Telemetry
	Commands  Commands
	Topics    topics.Builder
	Logger    *slog.Logger
}

// Route is one subscription.
type Route struct {
	Pattern string
	Handler bus.Handler
}

// Routes returns the service subscriptions in registration order.
func Routes(h Handlers) []Route {
	b := h.Topics
	if b.Root == "" {
		b = topics.NewBuilder(topics.DefaultRoot)
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ack := func(ctx context.Context, addr topics.Address, payload []byte) error {
		a, err := command.DecodeAck(payload)
		if err != nil {
			return err
		}
		return h.Commands.HandleAck(ctx, addr.Org, addr.Vehicle, a)
	}

	return []Route{
		{b.AnyOrg(topics.DomainTelemetry, topics.SubRaw), route(topics.DomainTelemetry, logger, func(ctx context.Context, addr topics.Address, payload []byte) error {
			return h.Telemetry.Ingest(ctx, addr.Org, addr.Vehicle, payload)
		})},
		{b.AnyOrg(topics.DomainTelemetry, topics.SubHeartbeat), route(topics.DomainTelemetry, logger, func(ctx context.Context, addr topics.Address, payload []byte) error {
			return h.Telemetry.ProcessHeartbeat(ctx, addr.Org, addr.Vehicle, payload)
		})},
		{b.AnyOrg(topics.DomainCommand, topics.SubAck), route(topics.DomainCommand, logger, ack)},
		{b.AnyOrg(topics.DomainCommand, topics.SubResponse), route(topics.DomainCommand, logger, ack)},
		{b.AnyOrg(topics.DomainMission, topics.SubProgress), route(topics.DomainMission, logger, func(ctx context.Context, addr topics.Address, payload []byte) error {
			return h.Telemetry.RelayMission(ctx, addr.Org, addr.Vehicle, payload)
		})},
		{b.AnyOrg(topics.DomainMission, topics.SubStatus), route(topics.DomainMission, logger, func(ctx context.Context, addr topics.Address, payload []byte) error {
			return h.Telemetry.RelayMission(ctx, addr.Org, addr.Vehicle, payload)
		})},
	}
}

// Register subscribes every route on sub.
func Register(ctx context.Context, sub Subscriber, h Handlers) error {
	if h.Telemetry == nil || h.Commands == nil {
		return errors.New("wiring requires telemetry and command handlers")
	}
	for _, r := range Routes(h) {
		if err := sub.Subscribe(ctx, r.Pattern, r.Handler); err != nil {
			return fmt.Errorf("failed to subscribe %q: %w", r.Pattern, err)
		}
	}
	return nil
}

func route(domain topics.Domain, logger *slog.Logger, fn func(ctx context.Context, addr topics.Address, payload []byte) error) bus.Handler {
	return func(ctx context.Context, topic string, payload []byte) error {
		addr, err := topics.Parse(topic)
		if err != nil {
			return err
		}
		if addr.Domain != domain {
			return fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
		}
		logger.Debug("bus_message_routed",
			slog.String("org_id", addr.Org),
			slog.String("vehicle_id", addr.Vehicle),
			slog.String("domain", string(addr.Domain)),
			slog.String("sub", addr.Sub))
		return fn(ctx, addr, payload)
	}
}
