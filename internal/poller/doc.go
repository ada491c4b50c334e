// Package poller implements the Feed Status Poller component.
//
// The Feed Status Poller:
//   - Polls the feed server's GET /status endpoint on a fixed interval
//   - Keeps the most recent report for /health and /stats
//   - Logs provider status transitions (running, stopped)
//   - Runs independently of the WebSocket connection, so a stopped
//     provider is visible even while the socket is still open
package poller
