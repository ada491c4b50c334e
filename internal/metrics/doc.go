// Package metrics exposes runtime counters as a JSON document.
//
// Key metrics:
//   - Feed connection state, attempts and message rates
//   - Scene store update counts
//   - Recorder batch inserts, errors and drops
//   - Sink and relay throughput
package metrics
