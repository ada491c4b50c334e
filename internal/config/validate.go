package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *ViewerConfig) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	u, err := url.Parse(c.Feed.URL)
	if err != nil {
		return fmt.Errorf("feed.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("feed.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Feed.ReconnectInterval < 0 {
		return errors.New("feed.reconnect_interval must be >= 0")
	}
	if c.Feed.PingTimeout < c.Feed.PingInterval {
		return fmt.Errorf("feed.ping_timeout (%s) cannot be less than ping_interval (%s)",
			c.Feed.PingTimeout, c.Feed.PingInterval)
	}
	if c.Feed.BufferSize < 1 {
		return errors.New("feed.buffer_size must be >= 1")
	}

	if c.StatusPoll.Enabled && c.StatusPoll.Interval < time.Second {
		return fmt.Errorf("status_poll.interval must be >= 1s, got %s", c.StatusPoll.Interval)
	}

	if c.Recorder.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	if c.Relay.Enabled {
		if !strings.HasPrefix(c.Relay.Path, "/") {
			return fmt.Errorf("relay.path must start with /, got %q", c.Relay.Path)
		}
		switch c.Relay.Path {
		case "/health", "/scene", "/stats":
			return fmt.Errorf("relay.path %q collides with a built-in endpoint", c.Relay.Path)
		}
	}

	if c.AMQP.Enabled {
		if c.AMQP.URL == "" {
			return errors.New("amqp.url is required")
		}
		if c.AMQP.Exchange == "" {
			return errors.New("amqp.exchange is required")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
		if c.Redis.Key == "" && c.Redis.Channel == "" {
			return errors.New("redis.key or redis.channel is required")
		}
		if c.Redis.TTL < 0 {
			return errors.New("redis.ttl must be >= 0")
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
