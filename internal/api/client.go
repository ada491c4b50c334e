package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/plate-viewer/internal/version"
)

// Client provides access to the feed server's HTTP endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new feed HTTP client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		userAgent:    "plate-viewer/" + version.Version,
		maxRetries:   3,
		retryBackoff: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewClientForFeed creates a client for the server hosting feedURL.
func NewClientForFeed(feedURL string, opts ...ClientOption) (*Client, error) {
	baseURL, err := BaseURLFromFeed(feedURL)
	if err != nil {
		return nil, err
	}
	return NewClient(baseURL, opts...), nil
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
