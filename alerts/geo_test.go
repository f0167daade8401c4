// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alerts

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(v float64) *float64 { return &v }

// eastOf returns the longitude lying meters east of the origin on the equator.
func eastOf(meters float64) float64 {
	return meters / EarthRadius * 180 / math.Pi
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(10, 10, 10, 10), 1e-9)
	// One degree of latitude is ~111.19 km.
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 1)
	// Zurich to Geneva, ~224 km.
	assert.InDelta(t, 224000, Haversine(47.3769, 8.5417, 46.2044, 6.1432), 2000)
	assert.InDelta(t, Haversine(1, 2, 3, 4), Haversine(3, 4, 1, 2), 1e-6)
}

func TestCircleBoundary(t *testing.T) {
	z := Zone{Type: ZoneCircle, Coordinates: [][]float64{{0, 0}}, Radius: ptr(100), Enabled: true}

	violated, _ := z.Check(0, eastOf(99), 50)
	assert.False(t, violated, "radius - 1 m")

	violated, reason := z.Check(0, eastOf(101), 50)
	assert.True(t, violated, "radius + 1 m")
	assert.Equal(t, ReasonOutside, reason)

	// 0.0009 degrees east is ~100.1 m.
	violated, _ = z.Check(0, 0.0009, 0)
	assert.True(t, violated)

	violated, _ = z.Check(0, 0, 0)
	assert.False(t, violated)
}

func TestCircleWithoutRadiusOnlyChecksAltitude(t *testing.T) {
	z := Zone{Type: ZoneCircle, Coordinates: [][]float64{{0, 0}}, MaxAltitude: ptr(120)}
	violated, _ := z.Check(45, 45, 100)
	assert.False(t, violated)
	violated, reason := z.Check(45, 45, 121)
	assert.True(t, violated)
	assert.Equal(t, ReasonAboveAltitude, reason)
}

func TestPolygon(t *testing.T) {
	square := [][]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}}
	z := Zone{Type: ZonePolygon, Coordinates: square}

	cases := []struct {
		name     string
		lat, lng float64
		violated bool
	}{
		{"center", 0.5, 0.5, false},
		{"near corner inside", 0.01, 0.99, false},
		{"east", 0.5, 1.01, true},
		{"west", 0.5, -0.01, true},
		{"north", 1.01, 0.5, true},
		{"south", -0.01, 0.5, true},
		{"far away", 40, 40, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			violated, _ := z.Check(tc.lat, tc.lng, 0)
			assert.Equal(t, tc.violated, violated)
		})
	}
}

func TestPointInConcavePolygon(t *testing.T) {
	// U shape open to the north.
	u := [][]float64{{0, 0}, {0, 3}, {3, 3}, {3, 2}, {1, 2}, {1, 1}, {3, 1}, {3, 0}}
	assert.True(t, PointInPolygon(0.5, 1.5, u))
	assert.True(t, PointInPolygon(2, 0.5, u))
	assert.False(t, PointInPolygon(2, 1.5, u))
}

func TestAltitudeBounds(t *testing.T) {
	z := Zone{
		Type:        ZonePolygon,
		Coordinates: [][]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}},
		MinAltitude: ptr(10),
		MaxAltitude: ptr(120),
	}

	violated, _ := z.Check(0.5, 0.5, 60)
	assert.False(t, violated)

	violated, reason := z.Check(0.5, 0.5, 130)
	assert.True(t, violated)
	assert.Equal(t, ReasonAboveAltitude, reason)

	violated, reason = z.Check(0.5, 0.5, 5)
	assert.True(t, violated)
	assert.Equal(t, ReasonBelowAltitude, reason)
}

func TestValidateZone(t *testing.T) {
	good := Zone{ID: "z1", OrgID: "o1", Type: ZoneCircle, Coordinates: [][]float64{{0, 0}}, Radius: ptr(50), Action: "rtl"}
	assert.NoError(t, ValidateZone(good))

	cases := map[string]func(z *Zone){
		"missing id":       func(z *Zone) { z.ID = "" },
		"bad action":       func(z *Zone) { z.Action = "explode" },
		"bad type":         func(z *Zone) { z.Type = "hexagon" },
		"no radius":        func(z *Zone) { z.Radius = nil },
		"zero radius":      func(z *Zone) { z.Radius = ptr(0) },
		"two centers":      func(z *Zone) { z.Coordinates = [][]float64{{0, 0}, {1, 1}} },
		"short pair":       func(z *Zone) { z.Coordinates = [][]float64{{0}} },
		"small polygon":    func(z *Zone) { z.Type = ZonePolygon; z.Coordinates = [][]float64{{0, 0}, {1, 1}} },
		"inverted heights": func(z *Zone) { z.MinAltitude = ptr(100); z.MaxAltitude = ptr(10) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			z := good
			mutate(&z)
			assert.ErrorIs(t, ValidateZone(z), ErrInvalidZone)
		})
	}
}
