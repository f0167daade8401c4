// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"sort"

	"github.com/absmach/aerocommand/telemetry"
)

// accessor extracts one numeric field from a frame. ok is false when the
// field is absent from this frame.
type accessor func(f telemetry.Frame) (v float64, ok bool)

func always(get func(f telemetry.Frame) float64) accessor {
	return func(f telemetry.Frame) (float64, bool) { return get(f), true }
}

func optional(get func(f telemetry.Frame) *float64) accessor {
	return func(f telemetry.Frame) (float64, bool) {
		if p := get(f); p != nil {
			return *p, true
		}
		return 0, false
	}
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// accessors is the closed set of paths a condition may reference.
var accessors = map[string]accessor{
	"seq":         always(func(f telemetry.Frame) float64 { return float64(f.Seq) }),
	"airspeed":    always(func(f telemetry.Frame) float64 { return f.Airspeed }),
	"groundspeed": always(func(f telemetry.Frame) float64 { return f.Groundspeed }),
	"heading":     always(func(f telemetry.Frame) float64 { return f.Heading }),
	"climb_rate":  always(func(f telemetry.Frame) float64 { return f.ClimbRate }),
	"throttle":    always(func(f telemetry.Frame) float64 { return f.Throttle }),

	"wind_speed":     optional(func(f telemetry.Frame) *float64 { return f.WindSpeed }),
	"wind_direction": optional(func(f telemetry.Frame) *float64 { return f.WindDirection }),

	"attitude.roll":       always(func(f telemetry.Frame) float64 { return f.Attitude.Roll }),
	"attitude.pitch":      always(func(f telemetry.Frame) float64 { return f.Attitude.Pitch }),
	"attitude.yaw":        always(func(f telemetry.Frame) float64 { return f.Attitude.Yaw }),
	"attitude.rollspeed":  optional(func(f telemetry.Frame) *float64 { return f.Attitude.RollSpeed }),
	"attitude.pitchspeed": optional(func(f telemetry.Frame) *float64 { return f.Attitude.PitchSpeed }),
	"attitude.yawspeed":   optional(func(f telemetry.Frame) *float64 { return f.Attitude.YawSpeed }),

	"gps.lat":                always(func(f telemetry.Frame) float64 { return f.GPS.Lat }),
	"gps.lng":                always(func(f telemetry.Frame) float64 { return f.GPS.Lng }),
	"gps.alt":                always(func(f telemetry.Frame) float64 { return f.GPS.Alt }),
	"gps.relative_alt":       optional(func(f telemetry.Frame) *float64 { return f.GPS.RelativeAlt }),
	"gps.fix_type":           always(func(f telemetry.Frame) float64 { return float64(f.GPS.FixType) }),
	"gps.satellites_visible": always(func(f telemetry.Frame) float64 { return float64(f.GPS.SatellitesVisible) }),
	"gps.hdop":               optional(func(f telemetry.Frame) *float64 { return f.GPS.HDOP }),
	"gps.vdop":               optional(func(f telemetry.Frame) *float64 { return f.GPS.VDOP }),

	"battery.voltage":     always(func(f telemetry.Frame) float64 { return f.Battery.Voltage }),
	"battery.current":     always(func(f telemetry.Frame) float64 { return f.Battery.Current }),
	"battery.remaining":   always(func(f telemetry.Frame) float64 { return f.Battery.Remaining }),
	"battery.temperature": optional(func(f telemetry.Frame) *float64 { return f.Battery.Temperature }),
	"battery.capacity_consumed": func(f telemetry.Frame) (float64, bool) {
		if f.Battery.CapacityConsumed == nil {
			return 0, false
		}
		return float64(*f.Battery.CapacityConsumed), true
	},

	"system.armed":         always(func(f telemetry.Frame) float64 { return boolean(f.System.Armed) }),
	"system.system_status": always(func(f telemetry.Frame) float64 { return float64(f.System.SystemStatus) }),
	"system.vehicle_type":  always(func(f telemetry.Frame) float64 { return float64(f.System.VehicleType) }),
	"system.cpu_load":      optional(func(f telemetry.Frame) *float64 { return f.System.CPULoad }),
	"system.errors_count":  always(func(f telemetry.Frame) float64 { return float64(f.System.ErrorsCount) }),

	"rc.channel_count": func(f telemetry.Frame) (float64, bool) {
		if f.RC == nil {
			return 0, false
		}
		return float64(f.RC.ChannelCount), true
	},
	"rc.rssi": func(f telemetry.Frame) (float64, bool) {
		if f.RC == nil || f.RC.RSSI == nil {
			return 0, false
		}
		return float64(*f.RC.RSSI), true
	},
}

// Fields returns every path a condition may reference, sorted.
func Fields() []string {
	out := make([]string, 0, len(accessors))
	for k := range accessors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves path on f. Unknown paths and absent optional fields both
// report ok=false.
func Lookup(f telemetry.Frame, path string) (float64, bool) {
	get, ok := accessors[path]
	if !ok {
		return 0, false
	}
	return get(f)
}
