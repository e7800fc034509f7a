package model

import (
	"fmt"
	"math"
	"time"
)

// naiveLayout is ISO 8601 without a zone; such timestamps are UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Position is a single reported location of a bus.
type Position struct {
	Latitude  float64   // Decimal degrees
	Longitude float64   // Decimal degrees
	Speed     float64   // km/h
	Heading   float64   // Degrees from north
	Timestamp time.Time // Device-reported time (UTC)
}

// Valid reports whether the coordinates are finite and within WGS84 bounds.
func (p Position) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// BusID identifies a tracked bus. It is the key for connections,
// listeners and live state.
type BusID = string

// ParseTimestamp accepts RFC 3339 and zone-less ISO 8601 (taken as UTC).
// The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(naiveLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
