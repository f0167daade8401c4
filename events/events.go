// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the envelopes pushed to live viewers and webhook
// endpoints when commands change state or alerts are raised.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeCommandSent         = "command.sent"
	TypeCommandAcknowledged = "command.acknowledged"
	TypeCommandTimeout      = "command.timeout"
	TypeAlertRaised         = "alert.raised"
	TypeVehicleOnline       = "vehicle.online"
)

// Event is the common interface for all outbound events.
type Event interface {
	// Type returns the event type identifier (e.g., "command.sent").
	Type() string

	// Topic returns the bus topic the event relates to, empty if none.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(source string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, source string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Data:      e,
	}
}

// CommandSent is emitted once a command has been queued for the vehicle.
type CommandSent struct {
	CommandID    string `json:"command_id"`
	VehicleID    string `json:"vehicle_id"`
	OrgID        string `json:"org_id"`
	Command      string `json:"command"`
	Priority     int    `json:"priority"`
	Timeout      int    `json:"timeout"`
	RequestTopic string `json:"-"`
}

func (e CommandSent) Type() string                 { return TypeCommandSent }
func (e CommandSent) Topic() string                { return e.RequestTopic }
func (e CommandSent) Wrap(source string) *Envelope { return wrap(e, source) }

// CommandAcknowledged is emitted when a vehicle reports on a command.
type CommandAcknowledged struct {
	CommandID  string `json:"command_id"`
	VehicleID  string `json:"vehicle_id"`
	OrgID      string `json:"org_id"`
	Status     string `json:"status"`
	ResultCode int    `json:"result_code"`
	Message    string `json:"message,omitempty"`
	AckTopic   string `json:"-"`
}

func (e CommandAcknowledged) Type() string                 { return TypeCommandAcknowledged }
func (e CommandAcknowledged) Topic() string                { return e.AckTopic }
func (e CommandAcknowledged) Wrap(source string) *Envelope { return wrap(e, source) }

// CommandTimedOut is emitted when no acknowledgment arrived in time.
type CommandTimedOut struct {
	CommandID string `json:"command_id"`
	VehicleID string `json:"vehicle_id"`
	OrgID     string `json:"org_id"`
	Timeout   int    `json:"timeout"`
}

func (e CommandTimedOut) Type() string                 { return TypeCommandTimeout }
func (e CommandTimedOut) Topic() string                { return "" }
func (e CommandTimedOut) Wrap(source string) *Envelope { return wrap(e, source) }

// AlertRaised carries an alert produced by the rule engine.
type AlertRaised struct {
	AlertID    string         `json:"id"`
	OrgID      string         `json:"org_id"`
	VehicleID  string         `json:"vehicle_id"`
	Severity   string         `json:"severity"`
	Category   string         `json:"category"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	AlertTopic string         `json:"-"`
}

func (e AlertRaised) Type() string                 { return TypeAlertRaised }
func (e AlertRaised) Topic() string                { return e.AlertTopic }
func (e AlertRaised) Wrap(source string) *Envelope { return wrap(e, source) }

// VehicleOnline is emitted on a heartbeat from a vehicle that had no live
// status entry.
type VehicleOnline struct {
	VehicleID string    `json:"vehicle_id"`
	OrgID     string    `json:"org_id,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

func (e VehicleOnline) Type() string                 { return TypeVehicleOnline }
func (e VehicleOnline) Topic() string                { return "" }
func (e VehicleOnline) Wrap(source string) *Envelope { return wrap(e, source) }
