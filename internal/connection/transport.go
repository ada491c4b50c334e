package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens transports. A Transport returned without error is open.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Transport represents a single bidirectional connection to the feed.
type Transport interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Close gracefully closes the connection. TransportClosed is still delivered.
	Close() error

	// Events returns the transport's event stream, in the order they occurred.
	Events() <-chan TransportEvent
}

// WSConfig configures WebSocket transports.
type WSConfig struct {
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Max time for the opening handshake
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Event channel buffer size
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// WSDialer dials gorilla/websocket transports.
type WSDialer struct {
	cfg    WSConfig
	logger *slog.Logger
}

// NewWSDialer creates a WebSocket dialer.
func NewWSDialer(cfg WSConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWSConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

// Dial establishes the WebSocket connection and starts its read and heartbeat loops.
func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = v
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		cfg:        d.cfg,
		logger:     d.logger,
		conn:       conn,
		events:     make(chan TransportEvent, d.cfg.BufferSize),
		done:       make(chan struct{}),
		hbDone:     make(chan struct{}),
		lastPingAt: time.Now(),
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop()
	go t.heartbeatLoop()

	d.logger.Debug("websocket connected", "url", url)

	return t, nil
}

// wsTransport implements Transport over a gorilla/websocket connection.
type wsTransport struct {
	cfg    WSConfig
	logger *slog.Logger
	conn   *websocket.Conn

	events   chan TransportEvent
	done     chan struct{} // closed when shutdown begins
	doneOnce sync.Once
	hbDone   chan struct{} // closed when heartbeatLoop exits

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.Mutex
	lastPingAt time.Time
	closing    bool // Close was requested
	reported   bool // an error was already emitted
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

func (t *wsTransport) stop() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Send writes one text frame.
func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears down the socket.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	t.stop()

	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// Events returns the event channel.
func (t *wsTransport) Events() <-chan TransportEvent {
	return t.events
}

// shouldReport marks an error as reported. It returns false once Close was
// requested or another error was already emitted.
func (t *wsTransport) shouldReport() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.reported {
		return false
	}
	t.reported = true
	return true
}

// readLoop reads frames until the socket fails, then emits TransportClosed
// exactly once and closes the event channel.
func (t *wsTransport) readLoop() {
	defer close(t.events)

	for {
		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !normal && t.shouldReport() {
				t.events <- TransportEvent{Kind: TransportError, Err: err, ReceivedAt: receivedAt}
			}
			break
		}

		t.events <- TransportEvent{Kind: TransportMessage, Data: data, ReceivedAt: receivedAt}
	}

	t.stop()
	t.conn.Close()

	// heartbeatLoop may still be sending on events
	<-t.hbDone

	t.events <- TransportEvent{Kind: TransportClosed, ReceivedAt: time.Now()}
}

// heartbeatLoop pings the server and reports stale connections.
func (t *wsTransport) heartbeatLoop() {
	defer close(t.hbDone)

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.Lock()
			lastPing := t.lastPingAt
			t.mu.Unlock()

			if time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				if t.shouldReport() {
					t.events <- TransportEvent{Kind: TransportError, Err: ErrStaleConnection, ReceivedAt: time.Now()}
				}
				t.conn.Close()
				return
			}
		}
	}
}
