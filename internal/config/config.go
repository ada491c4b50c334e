package config

import (
	"time"

	"github.com/rickgao/plate-viewer/internal/connection"
)

// ViewerConfig is the root configuration for a plate viewer instance.
type ViewerConfig struct {
	Feed       FeedConfig       `yaml:"feed"`
	StatusPoll StatusPollConfig `yaml:"status_poll"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Database   DBConfig         `yaml:"database"`
	Relay      RelayConfig      `yaml:"relay"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	Redis      RedisConfig      `yaml:"redis"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// FeedConfig holds the feed WebSocket and reconnection settings.
type FeedConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // Negative disables retries
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// StatusPollConfig holds the feed server /status poller settings.
type StatusPollConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RecorderConfig holds the pose recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds the TimescaleDB connection used by the recorder.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RelayConfig holds the local WebSocket relay settings.
type RelayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	SendBuffer int    `yaml:"send_buffer"`
}

// AMQPConfig holds the RabbitMQ sink settings.
type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueSize  int    `yaml:"queue_size"`
}

// RedisConfig holds the Redis sink settings.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Key       string        `yaml:"key"`
	Channel   string        `yaml:"channel"`
	TTL       time.Duration `yaml:"ttl"`
	QueueSize int           `yaml:"queue_size"`
}

// HTTPConfig holds the health/scene server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ManagerConfig returns the connection manager settings.
func (f FeedConfig) ManagerConfig() connection.Config {
	return connection.Config{
		ReconnectInterval:    f.ReconnectInterval,
		MaxReconnectAttempts: f.MaxReconnectAttempts,
		DialTimeout:          f.DialTimeout,
	}
}

// TransportConfig returns the WebSocket transport settings.
func (f FeedConfig) TransportConfig() connection.WSConfig {
	return connection.WSConfig{
		HandshakeTimeout: f.DialTimeout,
		PingInterval:     f.PingInterval,
		PingTimeout:      f.PingTimeout,
		WriteTimeout:     f.WriteTimeout,
		BufferSize:       f.BufferSize,
	}
}
