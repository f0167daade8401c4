// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidFrame wraps every decode and validation failure.
var ErrInvalidFrame = errors.New("invalid telemetry frame")

// Attitude is the vehicle orientation in degrees.
type Attitude struct {
	Roll       float64  `json:"roll"`
	Pitch      float64  `json:"pitch"`
	Yaw        float64  `json:"yaw"`
	RollSpeed  *float64 `json:"rollspeed,omitempty"`
	PitchSpeed *float64 `json:"pitchspeed,omitempty"`
	YawSpeed   *float64 `json:"yawspeed,omitempty"`
}

// GPS is the position fix. Alt is MSL altitude in meters.
type GPS struct {
	Lat               float64  `json:"lat"`
	Lng               float64  `json:"lng"`
	Alt               float64  `json:"alt"`
	RelativeAlt       *float64 `json:"relative_alt,omitempty"`
	FixType           int      `json:"fix_type"`
	SatellitesVisible int      `json:"satellites_visible"`
	HDOP              *float64 `json:"hdop,omitempty"`
	VDOP              *float64 `json:"vdop,omitempty"`
}

type Battery struct {
	Voltage          float64   `json:"voltage"`
	Current          float64   `json:"current"`
	Remaining        float64   `json:"remaining"`
	Temperature      *float64  `json:"temperature,omitempty"`
	CellVoltages     []float64 `json:"cell_voltages,omitempty"`
	CapacityConsumed *int      `json:"capacity_consumed,omitempty"`
}

type RC struct {
	ChannelCount int   `json:"channel_count"`
	Channels     []int `json:"channels"`
	RSSI         *int  `json:"rssi,omitempty"`
}

// System is the autopilot state.
type System struct {
	Mode         string   `json:"mode"`
	Armed        bool     `json:"armed"`
	SystemStatus int      `json:"system_status"`
	Autopilot    string   `json:"autopilot"`
	VehicleType  int      `json:"vehicle_type"`
	CPULoad      *float64 `json:"cpu_load,omitempty"`
	ErrorsCount  int      `json:"errors_count"`
}

// Frame is one complete telemetry sample from a vehicle.
type Frame struct {
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`

	Attitude Attitude `json:"attitude"`
	GPS      GPS      `json:"gps"`
	Battery  Battery  `json:"battery"`
	System   System   `json:"system"`

	Airspeed    float64 `json:"airspeed"`
	Groundspeed float64 `json:"groundspeed"`
	Heading     float64 `json:"heading"`
	ClimbRate   float64 `json:"climb_rate"`
	Throttle    float64 `json:"throttle"`

	RC            *RC      `json:"rc,omitempty"`
	WindSpeed     *float64 `json:"wind_speed,omitempty"`
	WindDirection *float64 `json:"wind_direction,omitempty"`
}

// wireFrame marks required members so their absence can be told from zero.
type wireFrame struct {
	VehicleID     string     `json:"vehicle_id"`
	Timestamp     *time.Time `json:"timestamp"`
	Seq           *int64     `json:"seq"`
	Attitude      *Attitude  `json:"attitude"`
	GPS           *GPS       `json:"gps"`
	Battery       *Battery   `json:"battery"`
	System        *System    `json:"system"`
	Airspeed      float64    `json:"airspeed"`
	Groundspeed   float64    `json:"groundspeed"`
	Heading       *float64   `json:"heading"`
	ClimbRate     float64    `json:"climb_rate"`
	Throttle      *float64   `json:"throttle"`
	RC            *RC        `json:"rc"`
	WindSpeed     *float64   `json:"wind_speed"`
	WindDirection *float64   `json:"wind_direction"`
}

// Decode parses and validates a frame. When vehicleID is not empty the
// frame must carry the same id.
func Decode(payload []byte, vehicleID string) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	switch {
	case w.VehicleID == "":
		return Frame{}, fmt.Errorf("%w: vehicle_id is required", ErrInvalidFrame)
	case vehicleID != "" && w.VehicleID != vehicleID:
		return Frame{}, fmt.Errorf("%w: vehicle_id %q does not match topic vehicle %q", ErrInvalidFrame, w.VehicleID, vehicleID)
	case w.Timestamp == nil:
		return Frame{}, missing("timestamp")
	case w.Seq == nil:
		return Frame{}, missing("seq")
	case w.Attitude == nil:
		return Frame{}, missing("attitude")
	case w.GPS == nil:
		return Frame{}, missing("gps")
	case w.Battery == nil:
		return Frame{}, missing("battery")
	case w.System == nil:
		return Frame{}, missing("system")
	case w.Heading == nil:
		return Frame{}, missing("heading")
	case w.Throttle == nil:
		return Frame{}, missing("throttle")
	}

	f := Frame{
		VehicleID:     w.VehicleID,
		Timestamp:     *w.Timestamp,
		Seq:           *w.Seq,
		Attitude:      *w.Attitude,
		GPS:           *w.GPS,
		Battery:       *w.Battery,
		System:        *w.System,
		Airspeed:      w.Airspeed,
		Groundspeed:   w.Groundspeed,
		Heading:       *w.Heading,
		ClimbRate:     w.ClimbRate,
		Throttle:      *w.Throttle,
		RC:            w.RC,
		WindSpeed:     w.WindSpeed,
		WindDirection: w.WindDirection,
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidFrame, field)
}

// Validate checks value ranges.
func (f Frame) Validate() error {
	switch {
	case f.Heading < 0 || f.Heading >= 360:
		return fmt.Errorf("%w: heading %v outside [0,360)", ErrInvalidFrame, f.Heading)
	case f.Throttle < 0 || f.Throttle > 100:
		return fmt.Errorf("%w: throttle %v outside [0,100]", ErrInvalidFrame, f.Throttle)
	case f.GPS.FixType < 0 || f.GPS.FixType > 5:
		return fmt.Errorf("%w: gps.fix_type %d outside 0..5", ErrInvalidFrame, f.GPS.FixType)
	case f.GPS.Lat < -90 || f.GPS.Lat > 90:
		return fmt.Errorf("%w: gps.lat %v outside [-90,90]", ErrInvalidFrame, f.GPS.Lat)
	case f.GPS.Lng < -180 || f.GPS.Lng > 180:
		return fmt.Errorf("%w: gps.lng %v outside [-180,180]", ErrInvalidFrame, f.GPS.Lng)
	case f.Battery.Remaining < 0 || f.Battery.Remaining > 100:
		return fmt.Errorf("%w: battery.remaining %v outside [0,100]", ErrInvalidFrame, f.Battery.Remaining)
	case f.RC != nil && f.RC.RSSI != nil && (*f.RC.RSSI < 0 || *f.RC.RSSI > 255):
		return fmt.Errorf("%w: rc.rssi %d outside 0..255", ErrInvalidFrame, *f.RC.RSSI)
	}
	return nil
}

// Snapshot is the cached projection of the latest frame of a vehicle.
type Snapshot struct {
	VehicleID   string    `json:"vehicle_id"`
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Alt         float64   `json:"alt"`
	Heading     float64   `json:"heading"`
	Groundspeed float64   `json:"groundspeed"`
	Battery     float64   `json:"battery"`
	Mode        string    `json:"mode"`
	Armed       bool      `json:"armed"`
	Satellites  int       `json:"satellites"`
	GPSFix      int       `json:"gps_fix"`
}

// Snapshot projects f.
func (f Frame) Snapshot() Snapshot {
	return Snapshot{
		VehicleID:   f.VehicleID,
		Timestamp:   f.Timestamp,
		Lat:         f.GPS.Lat,
		Lng:         f.GPS.Lng,
		Alt:         f.GPS.Alt,
		Heading:     f.Heading,
		Groundspeed: f.Groundspeed,
		Battery:     f.Battery.Remaining,
		Mode:        f.System.Mode,
		Armed:       f.System.Armed,
		Satellites:  f.GPS.SatellitesVisible,
		GPSFix:      f.GPS.FixType,
	}
}

// Fields renders s as cache hash fields.
func (s Snapshot) Fields() map[string]string {
	return map[string]string{
		"vehicle_id":  s.VehicleID,
		"timestamp":   s.Timestamp.UTC().Format(time.RFC3339Nano),
		"lat":         formatFloat(s.Lat),
		"lng":         formatFloat(s.Lng),
		"alt":         formatFloat(s.Alt),
		"heading":     formatFloat(s.Heading),
		"groundspeed": formatFloat(s.Groundspeed),
		"battery":     formatFloat(s.Battery),
		"mode":        s.Mode,
		"armed":       strconv.FormatBool(s.Armed),
		"satellites":  strconv.Itoa(s.Satellites),
		"gps_fix":     strconv.Itoa(s.GPSFix),
	}
}

// ParseSnapshot reads a snapshot back from cache hash fields.
func ParseSnapshot(f map[string]string) (Snapshot, error) {
	var (
		s   = Snapshot{VehicleID: f["vehicle_id"], Mode: f["mode"]}
		err error
	)
	parse := func(field string, dst *float64) {
		if err == nil {
			*dst, err = strconv.ParseFloat(f[field], 64)
		}
	}
	if s.Timestamp, err = time.Parse(time.RFC3339Nano, f["timestamp"]); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	parse("lat", &s.Lat)
	parse("lng", &s.Lng)
	parse("alt", &s.Alt)
	parse("heading", &s.Heading)
	parse("groundspeed", &s.Groundspeed)
	parse("battery", &s.Battery)
	if err == nil {
		s.Armed, err = strconv.ParseBool(f["armed"])
	}
	if err == nil {
		s.Satellites, err = strconv.Atoi(f["satellites"])
	}
	if err == nil {
		s.GPSFix, err = strconv.Atoi(f["gps_fix"])
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Heartbeat is the liveness ping of a vehicle.
type Heartbeat struct {
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
	Seq       *int64    `json:"seq,omitempty"`
}
