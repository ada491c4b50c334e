package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/plate-viewer/internal/plate"
)

// Provider states reported by /status.
const (
	ProviderRunning = "running"
	ProviderStopped = "stopped"
)

// FeedStatus from GET /status
type FeedStatus struct {
	ActiveConnections int                    `json:"active_connections"`
	ProviderStatus    string                 `json:"provider_status"`
	ConnectionStats   map[string]ClientStats `json:"connection_stats"`
}

// ClientStats describes one viewer connected to the feed.
type ClientStats struct {
	ConnectedAt  plate.Timestamp `json:"connected_at"`
	MessagesSent int64           `json:"messages_sent"`
	LastError    *string         `json:"last_error"`
}

// Running reports whether the feed's data provider is active.
func (s FeedStatus) Running() bool {
	return s.ProviderStatus == ProviderRunning
}

// GetStatus returns the feed server's connection status.
func (c *Client) GetStatus(ctx context.Context) (*FeedStatus, error) {
	var resp FeedStatus
	if err := c.get(ctx, "/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BaseURLFromFeed derives the HTTP base URL of the server hosting a feed.
// ws maps to http and wss to https; path, query and fragment are dropped.
func BaseURLFromFeed(feedURL string) (string, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("feed url %q has no host", feedURL)
	}

	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(), nil
}

// StatusURLFromFeed returns the /status URL of the server hosting a feed.
func StatusURLFromFeed(feedURL string) (string, error) {
	base, err := BaseURLFromFeed(feedURL)
	if err != nil {
		return "", err
	}
	return base + "/status", nil
}
