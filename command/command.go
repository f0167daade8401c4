// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package command turns operator commands into tracked requests: it persists
// them, publishes them to the vehicle, keeps a fast-path status entry in the
// cache and reconciles the acknowledgments that come back over the bus.
package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is an abstract vehicle command.
type Type string

const (
	Arm           Type = "arm"
	Disarm        Type = "disarm"
	Takeoff       Type = "takeoff"
	Land          Type = "land"
	RTL           Type = "rtl"
	Hold          Type = "hold"
	EmergencyStop Type = "emergency_stop"
	SetMode       Type = "set_mode"
	SetSpeed      Type = "set_speed"
	SetAltitude   Type = "set_altitude"
	Goto          Type = "goto"
	Reboot        Type = "reboot"
	SetParameter  Type = "set_parameter"
	MissionStart  Type = "mission_start"
	MissionPause  Type = "mission_pause"
	MissionResume Type = "mission_resume"
)

var knownTypes = map[Type]struct{}{
	Arm: {}, Disarm: {}, Takeoff: {}, Land: {}, RTL: {}, Hold: {},
	EmergencyStop: {}, SetMode: {}, SetSpeed: {}, SetAltitude: {}, Goto: {},
	Reboot: {}, SetParameter: {}, MissionStart: {}, MissionPause: {}, MissionResume: {},
}

// Valid reports whether t is a known command type.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Status is a command lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
)

// Request is an operator's command for one vehicle.
type Request struct {
	VehicleID      string         `json:"vehicle_id"`
	Command        Type           `json:"command"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Limits bound request validation.
type Limits struct {
	DefaultTimeout int
	MinTimeout     int
	MaxTimeout     int
}

// DefaultLimits returns the stock timeout bounds.
func DefaultLimits() Limits {
	return Limits{DefaultTimeout: 30, MinTimeout: 5, MaxTimeout: 300}
}

// Normalize fills defaults and validates r against l.
func (r *Request) Normalize(l Limits) error {
	if r.VehicleID == "" {
		return fmt.Errorf("%w: vehicle_id is required", ErrInvalidRequest)
	}
	if !r.Command.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, r.Command)
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("%w: priority %d outside 0..10", ErrInvalidRequest, r.Priority)
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = l.DefaultTimeout
	}
	if r.TimeoutSeconds < l.MinTimeout || r.TimeoutSeconds > l.MaxTimeout {
		return fmt.Errorf("%w: timeout_seconds %d outside %d..%d",
			ErrInvalidRequest, r.TimeoutSeconds, l.MinTimeout, l.MaxTimeout)
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	return nil
}

// Record is the durable command record.
type Record struct {
	ID             string         `json:"id"`
	VehicleID      string         `json:"vehicle_id"`
	OrgID          string         `json:"org_id"`
	Command        Type           `json:"command"`
	Status         Status         `json:"status"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	IssuedBy       string         `json:"issued_by"`
	IssuedAt       time.Time      `json:"issued_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Ack is the vehicle's asynchronous reply to a command.
type Ack struct {
	CommandID  string    `json:"command_id"`
	VehicleID  string    `json:"vehicle_id"`
	Status     Status    `json:"status"`
	ResultCode int       `json:"result_code"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DecodeAck parses and validates an acknowledgment payload.
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(payload, &a); err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrInvalidAck, err)
	}
	if a.CommandID == "" {
		return Ack{}, fmt.Errorf("%w: command_id is required", ErrInvalidAck)
	}
	if !a.Status.Reportable() {
		return Ack{}, fmt.Errorf("%w: status %q", ErrInvalidAck, a.Status)
	}
	return a, nil
}

// Wire is the command payload published on the request topic.
type Wire struct {
	CommandID string         `json:"command_id"`
	Command   Type           `json:"command"`
	MAVLink   *MAVLink       `json:"mavlink"`
	Params    map[string]any `json:"params"`
	Priority  int            `json:"priority"`
	Timeout   int            `json:"timeout"`
	Timestamp string         `json:"timestamp"`
}
