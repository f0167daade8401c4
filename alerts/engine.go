// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package alerts evaluates telemetry against organization rules and
// geofences, suppresses repeats within a cooldown and fans the resulting
// alerts out to the configured sinks.
package alerts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/aerocommand/telemetry"
)

// Candidate source kinds.
const (
	SourceRule = "rule"
	SourceZone = "zone"
)

// Candidate is an alert the engine wants raised.
type Candidate struct {
	Source    string
	SourceID  string
	VehicleID string
	Severity  Severity
	Category  Category
	Title     string
	Message   string
	Metadata  map[string]any
	// Cooldown is the rule's own suppression window; zero defers to the
	// monitor default.
	Cooldown time.Duration
}

// Evaluate returns the alerts f triggers. It has no side effects and does
// not suppress repeats.
func Evaluate(f telemetry.Frame, rules []Rule, zones []Zone) []Candidate {
	var out []Candidate
	for _, r := range rules {
		if !r.Enabled || !r.appliesTo(f.VehicleID) {
			continue
		}
		v, ok := Fires(f, r.Condition)
		if !ok {
			continue
		}
		title := r.Name
		if title == "" {
			title = fmt.Sprintf("%s %s %v", r.Condition.Field, r.Condition.Operator, r.Condition.Value)
		}
		out = append(out, Candidate{
			Source:    SourceRule,
			SourceID:  r.ID,
			VehicleID: f.VehicleID,
			Severity:  r.Severity,
			Category:  r.Category,
			Title:     title,
			Message: fmt.Sprintf("%s is %s (%s %v)",
				r.Condition.Field, strconv.FormatFloat(v, 'f', -1, 64), r.Condition.Operator, r.Condition.Value),
			Metadata: map[string]any{
				"rule_id":   r.ID,
				"field":     r.Condition.Field,
				"operator":  string(r.Condition.Operator),
				"threshold": r.Condition.Value,
				"value":     v,
			},
			Cooldown: time.Duration(r.CooldownSeconds) * time.Second,
		})
	}

	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		violated, reason := z.Check(f.GPS.Lat, f.GPS.Lng, f.GPS.Alt)
		if !violated {
			continue
		}
		name := z.Name
		if name == "" {
			name = z.ID
		}
		out = append(out, Candidate{
			Source:    SourceZone,
			SourceID:  z.ID,
			VehicleID: f.VehicleID,
			Severity:  SeverityCritical,
			Category:  CategoryGeofence,
			Title:     "Geofence violation: " + name,
			Message:   fmt.Sprintf("vehicle %s violated zone %s (%s)", f.VehicleID, name, reason),
			Metadata: map[string]any{
				"zone_id": z.ID,
				"reason":  reason,
				"action":  z.Action,
				"lat":     f.GPS.Lat,
				"lng":     f.GPS.Lng,
				"alt":     f.GPS.Alt,
			},
		})
	}
	return out
}

// Fires evaluates one condition and returns the observed value when it
// holds. Unknown fields, absent fields, unknown operators and non-numeric
// thresholds never fire.
func Fires(f telemetry.Frame, c Condition) (float64, bool) {
	op, ok := operators[c.Operator]
	if !ok {
		return 0, false
	}
	v, ok := Lookup(f, c.Field)
	if !ok {
		return 0, false
	}
	threshold, ok := toFloat(c.Value)
	if !ok {
		return 0, false
	}
	return v, op(v, threshold)
}
