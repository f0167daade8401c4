// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnknownField    = errors.New("unknown telemetry field")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidRule     = errors.New("invalid alert rule")
	ErrInvalidZone     = errors.New("invalid geofence zone")
)

type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency:
		return true
	}
	return false
}

type Category string

const (
	CategoryBattery    Category = "battery"
	CategoryGeofence   Category = "geofence"
	CategoryConnection Category = "connection"
	CategorySystem     Category = "system"
	CategoryMission    Category = "mission"
	CategorySensor     Category = "sensor"
	CategoryWeather    Category = "weather"
	CategoryCustom     Category = "custom"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryBattery, CategoryGeofence, CategoryConnection, CategorySystem,
		CategoryMission, CategorySensor, CategoryWeather, CategoryCustom:
		return true
	}
	return false
}

// Operator is a numeric comparison.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

var operators = map[Operator]func(a, b float64) bool{
	OpEq:  func(a, b float64) bool { return a == b },
	OpNeq: func(a, b float64) bool { return a != b },
	OpGt:  func(a, b float64) bool { return a > b },
	OpGte: func(a, b float64) bool { return a >= b },
	OpLt:  func(a, b float64) bool { return a < b },
	OpLte: func(a, b float64) bool { return a <= b },
}

// Condition compares one frame field against a threshold.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is an organization-scoped alert rule.
type Rule struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Enabled         bool      `json:"enabled"`
	Category        Category  `json:"category"`
	Severity        Severity  `json:"severity"`
	Condition       Condition `json:"condition"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	// VehicleIDs restricts the rule; empty means every vehicle of the org.
	VehicleIDs []string `json:"vehicle_ids,omitempty"`
}

// appliesTo reports whether the rule covers vehicleID.
func (r Rule) appliesTo(vehicleID string) bool {
	if len(r.VehicleIDs) == 0 {
		return true
	}
	for _, id := range r.VehicleIDs {
		if id == vehicleID {
			return true
		}
	}
	return false
}

// ValidateRule rejects rules the engine could never evaluate.
func ValidateRule(r Rule) error {
	if r.ID == "" || r.OrgID == "" {
		return fmt.Errorf("%w: id and org_id are required", ErrInvalidRule)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: category %q", ErrInvalidRule, r.Category)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidRule, r.Severity)
	}
	if _, ok := accessors[r.Condition.Field]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, r.Condition.Field)
	}
	if _, ok := operators[r.Condition.Operator]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, r.Condition.Operator)
	}
	if _, ok := toFloat(r.Condition.Value); !ok {
		return fmt.Errorf("%w: condition value %v is not numeric", ErrInvalidRule, r.Condition.Value)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("%w: negative cooldown", ErrInvalidRule)
	}
	return nil
}

// toFloat coerces a threshold the way numeric conditions expect.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
