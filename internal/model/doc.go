// Package model defines shared data types used across the bus tracker.
//
// Conventions:
//   - Coordinates: WGS84 decimal degrees (float64)
//   - Speed: as reported by the driver device (km/h)
//   - Heading: degrees clockwise from true north, 0-360
//   - Timestamps: time.Time in UTC
//   - IDs: bus ids are opaque strings assigned by the backend
package model
