// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import "strings"

// DefaultPrefix namespaces every key written by the service.
const DefaultPrefix = "aero:"

// Keys builds cache keys under a common prefix.
type Keys struct {
	Prefix string
}

// NewKeys returns Keys using prefix, or DefaultPrefix when prefix is empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

func (k Keys) key(parts ...string) string {
	return k.Prefix + strings.Join(parts, ":")
}

func (k Keys) Session(user string) string          { return k.key("session", user) }
func (k Keys) TokenBlacklist(jti string) string    { return k.key("token", "blacklist", jti) }
func (k Keys) Telemetry(vehicle string) string     { return k.key("telemetry", vehicle) }
func (k Keys) VehicleStatus(vehicle string) string { return k.key("vehicle", "status", vehicle) }
func (k Keys) Heartbeat(vehicle string) string     { return k.key("heartbeat", vehicle) }
func (k Keys) Command(id string) string            { return k.key("command", id) }
func (k Keys) RateLimit(client string) string      { return k.key("rate_limit", client) }
func (k Keys) Lock(name string) string             { return k.key("lock", name) }
func (k Keys) FleetVehicles(fleet string) string   { return k.key("fleet", fleet, "vehicles") }

// AlertCooldown is the suppression marker for a rule or zone firing on a vehicle.
func (k Keys) AlertCooldown(rule, vehicle string) string {
	return k.key("alert", "cooldown", rule, vehicle)
}
