package relay

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/plate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients = %d, want %d", h.Stats().Clients, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return string(data)
}

func TestHub_BroadcastsSnapshots(t *testing.T) {
	h := NewHub(DefaultConfig(), quietLogger())
	server := httptest.NewServer(h)
	defer server.Close()
	defer h.Close()

	a := dialHub(t, server)
	b := dialHub(t, server)
	waitClients(t, h, 2)

	h.HandleEvent(connection.Event{
		Kind:    connection.EventMessage,
		Payload: &plate.Snapshot{Version: "1.0", Plates: []plate.Plate{{ID: 2}}},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		got := readFrame(t, conn)
		if !strings.Contains(got, `"version":"1.0"`) || !strings.Contains(got, `"plate_id":2`) {
			t.Errorf("frame = %s", got)
		}
	}
	if h.Stats().Broadcasts != 1 {
		t.Errorf("Broadcasts = %d, want 1", h.Stats().Broadcasts)
	}
}

func TestHub_NewClientGetsLatest(t *testing.T) {
	h := NewHub(DefaultConfig(), quietLogger())
	server := httptest.NewServer(h)
	defer server.Close()
	defer h.Close()

	h.Broadcast([]byte(`{"seq":1}`))
	h.Broadcast([]byte(`{"seq":2}`))

	conn := dialHub(t, server)
	if got := readFrame(t, conn); got != `{"seq":2}` {
		t.Errorf("first frame = %s, want latest snapshot", got)
	}
}

func TestHub_IgnoresOtherEvents(t *testing.T) {
	h := NewHub(DefaultConfig(), quietLogger())

	h.HandleEvent(connection.Event{Kind: connection.EventConnected})
	h.HandleEvent(connection.Event{Kind: connection.EventMessage, Payload: map[string]any{"x": 1.0}})

	if h.Stats().Broadcasts != 0 {
		t.Errorf("Broadcasts = %d, want 0", h.Stats().Broadcasts)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h := NewHub(DefaultConfig(), quietLogger())
	server := httptest.NewServer(h)
	defer server.Close()
	defer h.Close()

	conn := dialHub(t, server)
	waitClients(t, h, 1)

	conn.Close()
	waitClients(t, h, 0)
}

func TestHub_EvictsSlowClient(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, quietLogger())
	c := &client{send: make(chan []byte, 1)}
	h.clients[c.id] = c

	h.Broadcast([]byte("1"))
	h.Broadcast([]byte("2"))

	stats := h.Stats()
	if stats.Evicted != 1 || stats.Clients != 0 {
		t.Errorf("stats = %+v, want one eviction", stats)
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub(DefaultConfig(), quietLogger())
	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialHub(t, server)
	waitClients(t, h, 1)

	h.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage after Close = %v, want normal close", err)
	}
	if h.Stats().Clients != 0 {
		t.Errorf("Clients = %d, want 0", h.Stats().Clients)
	}
}
