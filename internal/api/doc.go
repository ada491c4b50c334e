// Package api provides the HTTP client for the plate feed server.
//
// Endpoints:
//   - GET /status: active connection count, provider state and per-client stats
//
// The feed's WebSocket endpoint (ws://host/ws) is served by the same host, so
// the HTTP base URL can be derived from the feed URL with BaseURLFromFeed.
package api
