// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// DefaultRoot is the first level of every platform topic.
const DefaultRoot = "aerocommand"

// Domain is the third topic level.
type Domain string

// Topic domains.
const (
	DomainTelemetry Domain = "telemetry"
	DomainCommand   Domain = "command"
	DomainMission   Domain = "mission"
	DomainAlert     Domain = "alert"
	DomainStatus    Domain = "status"
	DomainSystem    Domain = "system"
)

// Sub-topics, grouped by domain.
const (
	SubRaw       = "raw"
	SubProcessed = "processed"
	SubHeartbeat = "heartbeat"

	SubRequest  = "request"
	SubAck      = "ack"
	SubResponse = "response"

	SubUpload   = "upload"
	SubProgress = "progress"
	SubStatus   = "status"

	SubGeofence = "geofence"
	SubBattery  = "battery"
	SubSystem   = "system"

	SubOnline = "online"
	SubMode   = "mode"
)

var domains = map[Domain]bool{
	DomainTelemetry: true,
	DomainCommand:   true,
	DomainMission:   true,
	DomainAlert:     true,
	DomainStatus:    true,
	DomainSystem:    true,
}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return domains[d]
}

// Builder produces topics of the form {root}/{org}/{domain}/{vehicle}/{sub}.
type Builder struct {
	Root string
}

// NewBuilder returns a Builder for root, or DefaultRoot when root is empty.
func NewBuilder(root string) Builder {
	if root == "" {
		root = DefaultRoot
	}
	return Builder{Root: root}
}

func (b Builder) root() string {
	if b.Root == "" {
		return DefaultRoot
	}
	return b.Root
}

// Vehicle builds a concrete per-vehicle topic.
func (b Builder) Vehicle(org string, domain Domain, vehicle, sub string) string {
	return strings.Join([]string{b.root(), org, string(domain), vehicle, sub}, Separator)
}

func (b Builder) TelemetryRaw(org, vehicle string) string {
	return b.Vehicle(org, DomainTelemetry, vehicle, SubRaw)
}

func (b Builder) TelemetryProcessed(org, vehicle string) string {
	return b.Vehicle(org, DomainTelemetry, vehicle, SubProcessed)
}

func (b Builder) Heartbeat(org, vehicle string) string {
	return b.Vehicle(org, DomainTelemetry, vehicle, SubHeartbeat)
}

func (b Builder) CommandRequest(org, vehicle string) string {
	return b.Vehicle(org, DomainCommand, vehicle, SubRequest)
}

func (b Builder) CommandAck(org, vehicle string) string {
	return b.Vehicle(org, DomainCommand, vehicle, SubAck)
}

func (b Builder) CommandResponse(org, vehicle string) string {
	return b.Vehicle(org, DomainCommand, vehicle, SubResponse)
}

func (b Builder) MissionUpload(org, vehicle string) string {
	return b.Vehicle(org, DomainMission, vehicle, SubUpload)
}

func (b Builder) MissionProgress(org, vehicle string) string {
	return b.Vehicle(org, DomainMission, vehicle, SubProgress)
}

func (b Builder) MissionStatus(org, vehicle string) string {
	return b.Vehicle(org, DomainMission, vehicle, SubStatus)
}

func (b Builder) AlertGeofence(org, vehicle string) string {
	return b.Vehicle(org, DomainAlert, vehicle, SubGeofence)
}

func (b Builder) AlertBattery(org, vehicle string) string {
	return b.Vehicle(org, DomainAlert, vehicle, SubBattery)
}

func (b Builder) AlertSystem(org, vehicle string) string {
	return b.Vehicle(org, DomainAlert, vehicle, SubSystem)
}

// Alert maps an alert category onto its alert sub-topic. Categories without a
// dedicated sub-topic go to the system sub-topic.
func (b Builder) Alert(org, vehicle, category string) string {
	switch category {
	case SubGeofence, SubBattery:
		return b.Vehicle(org, DomainAlert, vehicle, category)
	default:
		return b.Vehicle(org, DomainAlert, vehicle, SubSystem)
	}
}

func (b Builder) StatusOnline(org, vehicle string) string {
	return b.Vehicle(org, DomainStatus, vehicle, SubOnline)
}

func (b Builder) StatusMode(org, vehicle string) string {
	return b.Vehicle(org, DomainStatus, vehicle, SubMode)
}

func (b Builder) SystemBroadcast(org string) string {
	return strings.Join([]string{b.root(), org, string(DomainSystem), "broadcast"}, Separator)
}

func (b Builder) SystemHealth() string {
	return b.root() + "/$SYS/health"
}

// AllTelemetry subscribes to raw telemetry from every vehicle in org.
func (b Builder) AllTelemetry(org string) string {
	return b.Vehicle(org, DomainTelemetry, SingleLevel, SubRaw)
}

// AllHeartbeats subscribes to heartbeats from every vehicle in org.
func (b Builder) AllHeartbeats(org string) string {
	return b.Vehicle(org, DomainTelemetry, SingleLevel, SubHeartbeat)
}

// AllAlerts subscribes to every alert in org.
func (b Builder) AllAlerts(org string) string {
	return strings.Join([]string{b.root(), org, string(DomainAlert), MultiLevel}, Separator)
}

// AllVehicleTopics subscribes to every domain for a single vehicle.
func (b Builder) AllVehicleTopics(org, vehicle string) string {
	return strings.Join([]string{b.root(), org, SingleLevel, vehicle, MultiLevel}, Separator)
}

// AnyOrg builds a filter matching sub in domain for every vehicle of every org.
func (b Builder) AnyOrg(domain Domain, sub string) string {
	return b.Vehicle(SingleLevel, domain, SingleLevel, sub)
}

// Address is a parsed per-vehicle topic.
type Address struct {
	Root    string
	Org     string
	Domain  Domain
	Vehicle string
	Sub     string
}

// String rebuilds the topic.
func (a Address) String() string {
	return strings.Join([]string{a.Root, a.Org, string(a.Domain), a.Vehicle, a.Sub}, Separator)
}

// Parse splits a concrete per-vehicle topic into its levels.
func Parse(topic string) (Address, error) {
	if err := ValidateTopicName(topic); err != nil {
		return Address{}, err
	}
	parts := strings.Split(topic, Separator)
	if len(parts) != 5 {
		return Address{}, ErrInvalidAddress
	}
	for _, p := range parts {
		if p == "" {
			return Address{}, ErrEmptyTopicSegment
		}
	}
	addr := Address{
		Root:    parts[0],
		Org:     parts[1],
		Domain:  Domain(parts[2]),
		Vehicle: parts[3],
		Sub:     parts[4],
	}
	if !addr.Domain.Valid() {
		return Address{}, ErrUnknownDomain
	}
	return addr, nil
}
