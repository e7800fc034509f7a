// Package status serves a small HTTP API for operators: health counters,
// the live state of every tracked bus, and a manual location refresh.
//
// Endpoints:
//
//	GET  /health             registry, router and store counters
//	GET  /buses              all live states (no trails)
//	GET  /buses/{id}         one bus, including its trail
//	POST /buses/{id}/refresh asks the stream for the bus's current location
package status
