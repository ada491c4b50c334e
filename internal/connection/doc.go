// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns a single WebSocket connection to the plate feed
//   - Retries unexpected disconnects at a fixed interval, up to a bounded number of attempts
//   - Decodes inbound frames and republishes them to subscribed handlers
//   - Runs every handler on one event loop goroutine, in transport order
package connection
