// Package poller implements the stale re-seed poller.
//
// The poller:
//   - Runs every interval (default 30s) and once on start
//   - Picks tracked buses whose live state is stale or missing
//   - Re-seeds them from REST with bounded concurrency
//
// It covers the gap left by a stream that has silently given up: the map
// keeps showing the backend's last known position.
package poller
