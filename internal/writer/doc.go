// Package writer archives routed location updates to PostgreSQL.
//
// TrailWriter is registered as a wildcard router listener. It never blocks
// the router: updates are queued and written in batches on size or
// interval. Rows are append-only; a repeated (bus_id, reported_at) pair is
// counted as a conflict and skipped.
package writer
