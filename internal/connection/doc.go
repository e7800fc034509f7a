// Package connection implements the per-bus streaming connections.
//
// The Registry:
//   - Keeps at most one live WebSocket per tracked bus
//   - Opens {ws_base}/ws/bus/{id}/?token=... and asks for the current location on open
//   - Reconnects abnormal closures after a fixed delay, up to a bounded number of attempts
//   - Forwards every inbound frame, tagged with its bus id, to the Message Router
//
// Close code 1000 is only ever sent by Unsubscribe. Any other closure is
// abnormal and goes through the reconnect policy.
package connection
