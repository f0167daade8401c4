// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"testing"
	"time"

	"github.com/absmach/aerocommand/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() telemetry.Frame {
	return telemetry.Frame{
		VehicleID: "v1",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Seq:       1,
		GPS:       telemetry.GPS{Lat: 0.5, Lng: 0.5, Alt: 80, FixType: 3, SatellitesVisible: 10},
		Battery:   telemetry.Battery{Voltage: 11.1, Remaining: 15},
		System:    telemetry.System{Mode: "AUTO", Armed: true},
		Heading:   180,
		Throttle:  50,
	}
}

func rule(id, field string, op Operator, value any) Rule {
	return Rule{
		ID:        id,
		OrgID:     "o1",
		Enabled:   true,
		Category:  CategoryBattery,
		Severity:  SeverityWarning,
		Condition: Condition{Field: field, Operator: op, Value: value},
	}
}

func TestOperators(t *testing.T) {
	f := testFrame() // battery.remaining = 15
	cases := []struct {
		op    Operator
		value any
		fires bool
	}{
		{OpLt, 20, true},
		{OpLt, 15, false},
		{OpLte, 15, true},
		{OpGt, 10.5, true},
		{OpGt, 15, false},
		{OpGte, 15, true},
		{OpEq, 15, true},
		{OpEq, "15", true},
		{OpNeq, 15, false},
		{OpNeq, 16, true},
	}
	for _, tc := range cases {
		_, fires := Fires(f, Condition{Field: "battery.remaining", Operator: tc.op, Value: tc.value})
		assert.Equal(t, tc.fires, fires, "%s %v", tc.op, tc.value)
	}
}

func TestMissingFieldNeverFires(t *testing.T) {
	f := testFrame()
	fields := []string{"altitude", "battery.cells", "gps", "wind_speed", "rc.rssi", "attitude.rollspeed", "battery.capacity_consumed", ""}
	ops := []Operator{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte}

	for _, field := range fields {
		for _, op := range ops {
			for _, v := range []any{-1e9, 0, 1e9} {
				_, fires := Fires(f, Condition{Field: field, Operator: op, Value: v})
				assert.False(t, fires, "%q %s %v", field, op, v)
			}
		}
	}
}

func TestNonNumericOperandsNeverFire(t *testing.T) {
	f := testFrame()
	_, fires := Fires(f, Condition{Field: "battery.remaining", Operator: OpNeq, Value: "low"})
	assert.False(t, fires)
	_, fires = Fires(f, Condition{Field: "battery.remaining", Operator: OpNeq, Value: nil})
	assert.False(t, fires)
	_, fires = Fires(f, Condition{Field: "battery.remaining", Operator: "approx", Value: 15})
	assert.False(t, fires)
}

func TestBooleanAndOptionalFields(t *testing.T) {
	f := testFrame()
	_, fires := Fires(f, Condition{Field: "system.armed", Operator: OpEq, Value: 1})
	assert.True(t, fires)
	_, fires = Fires(f, Condition{Field: "system.armed", Operator: OpEq, Value: true})
	assert.True(t, fires)

	wind := 14.0
	rssi := 40
	f.WindSpeed = &wind
	f.RC = &telemetry.RC{RSSI: &rssi}
	_, fires = Fires(f, Condition{Field: "wind_speed", Operator: OpGt, Value: 10})
	assert.True(t, fires)
	_, fires = Fires(f, Condition{Field: "rc.rssi", Operator: OpLt, Value: 50})
	assert.True(t, fires)
}

func TestEvaluateRules(t *testing.T) {
	f := testFrame()
	low := rule("r-low", "battery.remaining", OpLt, 20)
	low.Name = "Low battery"
	low.CooldownSeconds = 60
	disabled := rule("r-off", "battery.remaining", OpLt, 20)
	disabled.Enabled = false
	other := rule("r-other", "battery.remaining", OpLt, 20)
	other.VehicleIDs = []string{"v9"}
	mine := rule("r-mine", "gps.satellites_visible", OpGte, 10)
	mine.VehicleIDs = []string{"v9", "v1"}
	quiet := rule("r-quiet", "throttle", OpGt, 90)

	got := Evaluate(f, []Rule{low, disabled, other, mine, quiet}, nil)
	require.Len(t, got, 2)

	assert.Equal(t, "r-low", got[0].SourceID)
	assert.Equal(t, SourceRule, got[0].Source)
	assert.Equal(t, "Low battery", got[0].Title)
	assert.Equal(t, time.Minute, got[0].Cooldown)
	assert.Equal(t, 15.0, got[0].Metadata["value"])
	assert.Equal(t, "r-mine", got[1].SourceID)
	assert.NotEmpty(t, got[1].Title)
}

func TestEvaluateGeofence(t *testing.T) {
	f := testFrame()
	inside := Zone{ID: "z-in", Type: ZonePolygon, Coordinates: [][]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}}, Enabled: true, Action: "alert"}
	outside := Zone{ID: "z-out", Name: "Depot", Type: ZoneCircle, Coordinates: [][]float64{{10, 10}}, Radius: ptr(500), Enabled: true, Action: "rtl"}
	off := outside
	off.ID, off.Enabled = "z-off", false

	got := Evaluate(f, nil, []Zone{inside, outside, off})
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, SourceZone, c.Source)
	assert.Equal(t, "z-out", c.SourceID)
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, CategoryGeofence, c.Category)
	assert.Equal(t, "Geofence violation: Depot", c.Title)
	assert.Equal(t, "rtl", c.Metadata["action"])
	assert.Equal(t, ReasonOutside, c.Metadata["reason"])
	assert.Zero(t, c.Cooldown)
}

func TestValidateRule(t *testing.T) {
	good := rule("r1", "battery.remaining", OpLt, 20)
	assert.NoError(t, ValidateRule(good))

	r := good
	r.Condition.Field = "battery.cells"
	assert.ErrorIs(t, ValidateRule(r), ErrUnknownField)

	r = good
	r.Condition.Operator = "between"
	assert.ErrorIs(t, ValidateRule(r), ErrUnknownOperator)

	r = good
	r.Condition.Value = "low"
	assert.ErrorIs(t, ValidateRule(r), ErrInvalidRule)

	r = good
	r.Severity = "meh"
	assert.ErrorIs(t, ValidateRule(r), ErrInvalidRule)

	r = good
	r.Category = "vibes"
	assert.ErrorIs(t, ValidateRule(r), ErrInvalidRule)

	r = good
	r.OrgID = ""
	assert.ErrorIs(t, ValidateRule(r), ErrInvalidRule)
}

func TestFieldsListsAccessorTable(t *testing.T) {
	fields := Fields()
	assert.Contains(t, fields, "battery.remaining")
	assert.Contains(t, fields, "system.armed")
	assert.Contains(t, fields, "gps.alt")
	assert.IsIncreasing(t, fields)
}
