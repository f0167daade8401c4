// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"fmt"
	"math"
)

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

type ZoneType string

const (
	ZonePolygon ZoneType = "polygon"
	ZoneCircle  ZoneType = "circle"
)

// Zone is a geofence. Coordinates are [lat, lng] pairs: the ordered
// vertices of a polygon, or the single center of a circle.
type Zone struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	Name        string      `json:"name"`
	Type        ZoneType    `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
	Radius      *float64    `json:"radius,omitempty"`
	MinAltitude *float64    `json:"min_altitude,omitempty"`
	MaxAltitude *float64    `json:"max_altitude,omitempty"`
	Action      string      `json:"action"`
	Enabled     bool        `json:"enabled"`
}

// Violation reasons.
const (
	ReasonOutside       = "outside_boundary"
	ReasonAboveAltitude = "above_max_altitude"
	ReasonBelowAltitude = "below_min_altitude"
)

var zoneActions = map[string]struct{}{"alert": {}, "rtl": {}, "land": {}, "loiter": {}}

// ValidateZone rejects zones that cannot be evaluated.
func ValidateZone(z Zone) error {
	if z.ID == "" || z.OrgID == "" {
		return fmt.Errorf("%w: id and org_id are required", ErrInvalidZone)
	}
	if _, ok := zoneActions[z.Action]; !ok {
		return fmt.Errorf("%w: action %q", ErrInvalidZone, z.Action)
	}
	for _, c := range z.Coordinates {
		if len(c) != 2 {
			return fmt.Errorf("%w: coordinates must be [lat, lng] pairs", ErrInvalidZone)
		}
	}
	switch z.Type {
	case ZoneCircle:
		if len(z.Coordinates) != 1 || z.Radius == nil || *z.Radius <= 0 {
			return fmt.Errorf("%w: circle needs one center and a positive radius", ErrInvalidZone)
		}
	case ZonePolygon:
		if len(z.Coordinates) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalidZone)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidZone, z.Type)
	}
	if z.MinAltitude != nil && z.MaxAltitude != nil && *z.MinAltitude > *z.MaxAltitude {
		return fmt.Errorf("%w: min_altitude above max_altitude", ErrInvalidZone)
	}
	return nil
}

// Check reports whether the position violates z and why. A circle without a
// center or radius only enforces its altitude bounds.
func (z Zone) Check(lat, lng, alt float64) (bool, string) {
	switch z.Type {
	case ZoneCircle:
		if len(z.Coordinates) > 0 && len(z.Coordinates[0]) == 2 && z.Radius != nil && *z.Radius > 0 {
			c := z.Coordinates[0]
			if Haversine(lat, lng, c[0], c[1]) > *z.Radius {
				return true, ReasonOutside
			}
		}
	case ZonePolygon:
		if !PointInPolygon(lat, lng, z.Coordinates) {
			return true, ReasonOutside
		}
	}

	if z.MaxAltitude != nil && alt > *z.MaxAltitude {
		return true, ReasonAboveAltitude
	}
	if z.MinAltitude != nil && alt < *z.MinAltitude {
		return true, ReasonBelowAltitude
	}
	return false, ""
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// PointInPolygon is the ray-casting test over [lat, lng] vertices.
func PointInPolygon(lat, lng float64, polygon [][]float64) bool {
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if len(polygon[i]) != 2 || len(polygon[j]) != 2 {
			continue
		}
		yi, xi := polygon[i][0], polygon[i][1]
		yj, xj := polygon[j][0], polygon[j][1]
		if (yi > lat) != (yj > lat) && lng < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
