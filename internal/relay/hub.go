// Package relay rebroadcasts decoded snapshots to local WebSocket viewers.
//
// A browser renderer connects to the relay instead of the feed, so many
// viewers share one upstream connection. Each client has its own bounded
// send queue; slow clients are disconnected rather than stalling the hub.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/plate"
)

// Config configures the relay hub.
type Config struct {
	SendBuffer   int           // Per-client queued frames before the client is dropped
	WriteTimeout time.Duration // Write deadline per frame
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   16,
		WriteTimeout: 5 * time.Second,
	}
}

// Stats holds hub counters.
type Stats struct {
	Clients    int
	Broadcasts int64
	Evicted    int64
}

// Hub fans snapshots out to connected viewers. Register it for EventMessage
// and mount it as an http.Handler.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[uuid.UUID]*client
	last       []byte
	closed     bool
	broadcasts int64
	evicted    int64
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a relay hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*client),
	}
}

// HandleEvent implements connection.Handler.
func (h *Hub) HandleEvent(ev connection.Event) {
	if ev.Kind != connection.EventMessage {
		return
	}
	snap, ok := ev.Payload.(*plate.Snapshot)
	if !ok {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Warn("encode snapshot failed", "error", err)
		return
	}
	h.Broadcast(data)
}

// Broadcast queues data for every client. Clients whose queue is full are evicted.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.last = data
	h.broadcasts++

	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("relay client too slow, evicting", "client_id", id)
			delete(h.clients, id)
			c.close()
			h.evicted++
		}
	}
}

// ServeHTTP upgrades the request and streams snapshots until the client leaves.
// A newly connected client first receives the latest snapshot, if any.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("relay upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("relay client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go h.readLoop(c)
	h.writeLoop(c)

	h.remove(c)
	conn.Close()
	h.logger.Info("relay client disconnected", "client_id", c.id)
}

// readLoop discards client frames and ends the session when the client goes away.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Clients:    len(h.clients),
		Broadcasts: h.broadcasts,
		Evicted:    h.evicted,
	}
}
