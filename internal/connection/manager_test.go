package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var errDialRefused = errors.New("connection refused")

// fakeTransport is a Transport driven by the test.
type fakeTransport struct {
	mu       sync.Mutex
	events   chan TransportEvent
	sent     [][]byte
	finished bool
	closes   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrNotConnected
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.finish()
	return nil
}

func (t *fakeTransport) Events() <-chan TransportEvent {
	return t.events
}

// push delivers an event unless the transport already finished.
func (t *fakeTransport) push(ev TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.events <- ev
}

// finish emits TransportClosed once and ends the stream (remote close).
func (t *fakeTransport) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.events <- TransportEvent{Kind: TransportClosed}
	close(t.events)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) sentFrames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, b := range t.sent {
		out[i] = string(b)
	}
	return out
}

// fakeDialer hands out fakeTransports, failing the first failFirst dials
// (or every dial when failAll is set).
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failFirst  int
	failAll    bool
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.dials <= d.failFirst {
		return nil, errDialRefused
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

// eventRecorder collects events delivered by the manager.
type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 128)}
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.ch <- ev
}

// waitFor returns the next event of kind, failing after timeout.
// Events of other kinds are skipped.
func (r *eventRecorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", kind)
			return Event{}
		}
	}
}

// drain returns every event received within d.
func (r *eventRecorder) drain(d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager builds a manager with rec subscribed to every event kind.
func newTestManager(t *testing.T, cfg Config, dialer Dialer, rec *eventRecorder) *Manager {
	t.Helper()
	opts := []Option{WithDialer(dialer), WithLogger(quietLogger())}
	for k := EventKind(0); k < numEventKinds; k++ {
		opts = append(opts, WithHandler(k, rec))
	}
	m := NewManager("ws://feed.test/ws", cfg, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_MaxReconnectAttempts(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: 3}, dialer, rec)

	rec.waitFor(t, EventMaxReconnectAttemptsReached)
	rest := rec.drain(100 * time.Millisecond)

	if got := dialer.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4 (1 initial + 3 retries)", got)
	}
	if n := countKind(rest, EventMaxReconnectAttemptsReached); n != 0 {
		t.Errorf("extra maxReconnectAttemptsReached events: %d", n)
	}
	if m.State() != StateFailed {
		t.Errorf("State() = %s, want failed", m.State())
	}
	if m.Send(map[string]int{"x": 1}) {
		t.Error("Send should return false after max attempts reached")
	}
}

func TestManager_MaxReconnectAttempts_Property(t *testing.T) {
	for _, max := range []int{1, 2, 5} {
		dialer := &fakeDialer{failAll: true}
		rec := newEventRecorder()
		newTestManager(t, Config{ReconnectInterval: time.Millisecond, MaxReconnectAttempts: max}, dialer, rec)

		rec.waitFor(t, EventMaxReconnectAttemptsReached)
		rec.drain(50 * time.Millisecond)

		if got := dialer.dialCount(); got != max+1 {
			t.Errorf("max=%d: dials = %d, want %d", max, got, max+1)
		}
	}
}

func TestManager_DialFailureEmitsError(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := newEventRecorder()
	newTestManager(t, Config{ReconnectInterval: time.Hour, MaxReconnectAttempts: 1}, dialer, rec)

	ev := rec.waitFor(t, EventError)
	if !errors.Is(ev.Err, errDialRefused) {
		t.Errorf("error = %v, want wrapping %v", ev.Err, errDialRefused)
	}
}

func TestManager_NegativeMaxAttemptsDisablesRetries(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: time.Millisecond, MaxReconnectAttempts: -1}, dialer, rec)

	rec.waitFor(t, EventMaxReconnectAttemptsReached)
	rec.drain(20 * time.Millisecond)

	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0", m.Attempts())
	}
}

func TestManager_MessageDecoded(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	newTestManager(t, DefaultConfig(), dialer, rec)

	rec.waitFor(t, EventConnected)
	dialer.transport(0).push(TransportEvent{Kind: TransportMessage, Data: []byte(`{"x":1}`)})

	ev := rec.waitFor(t, EventMessage)
	want := map[string]any{"x": float64(1)}
	if !reflect.DeepEqual(ev.Payload, want) {
		t.Errorf("Payload = %#v, want %#v", ev.Payload, want)
	}

	if n := countKind(rec.drain(50*time.Millisecond), EventMessage); n != 0 {
		t.Errorf("received %d extra message events", n)
	}
}

func TestManager_MalformedMessage(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, DefaultConfig(), dialer, rec)

	rec.waitFor(t, EventConnected)
	tr := dialer.transport(0)
	tr.push(TransportEvent{Kind: TransportMessage, Data: []byte("not json")})

	events := rec.drain(50 * time.Millisecond)
	if n := countKind(events, EventMessage); n != 0 {
		t.Errorf("message events = %d, want 0", n)
	}
	if n := countKind(events, EventError); n != 1 {
		t.Fatalf("error events = %d, want 1", n)
	}
	for _, ev := range events {
		if ev.Kind == EventError && !errors.Is(ev.Err, ErrDecode) {
			t.Errorf("error = %v, want ErrDecode", ev.Err)
		}
	}
	if tr.closeCount() != 0 {
		t.Error("transport should not be closed after a malformed message")
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}

	// Connection keeps working.
	tr.push(TransportEvent{Kind: TransportMessage, Data: []byte(`[1,2]`)})
	rec.waitFor(t, EventMessage)

	stats := m.Stats()
	if stats.DecodeErrors != 1 || stats.MessagesDelivered != 1 || stats.MessagesReceived != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManager_CloseCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: 100 * time.Millisecond, MaxReconnectAttempts: 5}, dialer, rec)

	rec.waitFor(t, EventConnected)
	dialer.transport(0).finish()
	rec.waitFor(t, EventDisconnected)

	eventually(t, func() bool { return m.Attempts() == 1 })

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events := rec.drain(250 * time.Millisecond)
	if len(events) != 0 {
		t.Errorf("events after Close: %v", events)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
}

func TestManager_CloseWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: time.Millisecond}, dialer, rec)

	rec.waitFor(t, EventConnected)
	tr := dialer.transport(0)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.closeCount())
	}

	if events := rec.drain(50 * time.Millisecond); len(events) != 0 {
		t.Errorf("events after Close: %v", events)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("explicit close scheduled a retry: dials = %d", got)
	}
	if m.Send("hello") {
		t.Error("Send should return false after Close")
	}

	// Idempotent
	if err := m.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestManager_AttemptsResetOnConnect(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: 5 * time.Millisecond, MaxReconnectAttempts: 5}, dialer, rec)

	rec.waitFor(t, EventConnected)
	if got := dialer.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0 after connect", m.Attempts())
	}

	// A later drop gets the full budget again.
	dialer.transport(0).finish()
	rec.waitFor(t, EventDisconnected)
	rec.waitFor(t, EventConnected)
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0 after reconnect", m.Attempts())
	}
}

func TestManager_ErrorDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: 5 * time.Millisecond}, dialer, rec)

	rec.waitFor(t, EventConnected)
	tr := dialer.transport(0)
	tr.push(TransportEvent{Kind: TransportError, Err: io.ErrUnexpectedEOF})

	ev := rec.waitFor(t, EventError)
	if !errors.Is(ev.Err, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want %v", ev.Err, io.ErrUnexpectedEOF)
	}
	rec.drain(50 * time.Millisecond)

	if m.State() != StateError {
		t.Errorf("State() = %s, want error", m.State())
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("error alone triggered a reconnect: dials = %d", got)
	}

	// The close that follows drives the retry.
	tr.finish()
	rec.waitFor(t, EventDisconnected)
	rec.waitFor(t, EventConnected)
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestManager_StaleEventsIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, DefaultConfig(), dialer, rec)

	rec.waitFor(t, EventConnected)

	stale := uuid.New()
	m.handle(envelope{kind: envTransport, id: stale, event: TransportEvent{Kind: TransportMessage, Data: []byte(`{}`)}})
	m.handle(envelope{kind: envTransport, id: stale, event: TransportEvent{Kind: TransportClosed}})
	m.handle(envelope{kind: envRetryDue, id: stale})

	if events := rec.drain(50 * time.Millisecond); len(events) != 0 {
		t.Errorf("stale envelopes produced events: %v", events)
	}

	m.handle(envelope{kind: envOpened, id: stale})
	if events := rec.drain(20 * time.Millisecond); len(events) != 0 {
		t.Errorf("stale open produced events: %v", events)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}

	// A dial that completes for a released identity closes its own transport.
	ctx, cancel := context.WithCancel(context.Background())
	m.dial(ctx, cancel, stale)
	late := dialer.transport(1)
	if late.closeCount() != 1 {
		t.Errorf("late transport closes = %d, want 1", late.closeCount())
	}
}

// blockingHandler parks the event loop inside its first call until released.
type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *blockingHandler) HandleEvent(Event) {
	h.once.Do(func() {
		close(h.entered)
		<-h.release
	})
}

func TestManager_CloseRacingCompletedDial(t *testing.T) {
	for run := 0; run < 20; run++ {
		dialer := &fakeDialer{failFirst: 1}
		block := newBlockingHandler()
		rec := newEventRecorder()
		m := NewManager("ws://feed.test/ws", Config{ReconnectInterval: time.Hour},
			WithDialer(dialer),
			WithLogger(quietLogger()),
			WithHandler(EventError, block),
			WithHandler(EventConnected, rec),
		)

		// The loop is stuck in the Error handler for the first failed dial.
		select {
		case <-block.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for dial error")
		}

		if err := m.Reconnect(); err != nil {
			t.Fatalf("Reconnect failed: %v", err)
		}
		eventually(t, func() bool { return dialer.dialCount() == 2 })

		if err := m.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		close(block.release)

		tr := dialer.transport(0)
		eventually(t, func() bool { return tr.closeCount() >= 1 })

		if m.Send("x") {
			t.Error("Send should return false after Close")
		}
		if events := rec.drain(10 * time.Millisecond); len(events) != 0 {
			t.Fatalf("run %d: events after Close: %v", run, events)
		}
	}
}

func TestManager_Send(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, DefaultConfig(), dialer, rec)

	rec.waitFor(t, EventConnected)

	if !m.Send(map[string]int{"x": 1}) {
		t.Fatal("Send returned false while connected")
	}
	if !m.Send([]byte(`{"raw":true}`)) {
		t.Fatal("Send returned false for raw payload")
	}
	if m.Send(func() {}) {
		t.Error("Send should fail for unencodable payload")
	}

	got := dialer.transport(0).sentFrames()
	want := []string{`{"x":1}`, `{"raw":true}`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %q, want %q", got, want)
	}
	if m.Stats().MessagesSent != 2 {
		t.Errorf("MessagesSent = %d, want 2", m.Stats().MessagesSent)
	}
}

func TestManager_SendBeforeConnected(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: time.Hour}, dialer, rec)

	if m.Send("x") {
		t.Error("Send should return false without an open transport")
	}
}

func TestManager_OnOff(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, DefaultConfig(), dialer, rec)
	rec.waitFor(t, EventConnected)

	msgs := newEventRecorder()
	if err := m.On(EventMessage, msgs); err != nil {
		t.Fatalf("On failed: %v", err)
	}
	if err := m.On(EventMessage, msgs); err != nil {
		t.Fatalf("duplicate On failed: %v", err)
	}

	tr := dialer.transport(0)
	tr.push(TransportEvent{Kind: TransportMessage, Data: []byte(`1`)})
	rec.waitFor(t, EventMessage)
	if n := len(msgs.drain(50 * time.Millisecond)); n != 1 {
		t.Errorf("duplicate registration delivered %d events, want 1", n)
	}

	m.Off(EventMessage, msgs)
	m.Off(EventMessage, msgs)

	tr.push(TransportEvent{Kind: TransportMessage, Data: []byte(`2`)})
	rec.waitFor(t, EventMessage)
	if n := len(msgs.drain(50 * time.Millisecond)); n != 0 {
		t.Errorf("handler received %d events after Off", n)
	}
	if m.subs.count(EventMessage) != 1 {
		t.Errorf("message handlers = %d, want 1", m.subs.count(EventMessage))
	}
}

type sliceHandler []int

func (sliceHandler) HandleEvent(Event) {}

func TestManager_OnRejectsInvalidHandlers(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()
	m := newTestManager(t, DefaultConfig(), dialer, rec)

	if err := m.On(EventMessage, sliceHandler{1}); !errors.Is(err, ErrHandlerNotComparable) {
		t.Errorf("On(slice handler) = %v, want ErrHandlerNotComparable", err)
	}
	if err := m.On(EventMessage, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("On(nil) = %v, want ErrNilHandler", err)
	}
	if err := m.On(EventKind(42), rec); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("On(unknown kind) = %v, want ErrUnknownEvent", err)
	}

	// Off with invalid arguments is a no-op.
	m.Off(EventMessage, sliceHandler{1})
	m.Off(EventKind(42), rec)
}

func TestManager_HandlerCanCloseManager(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newEventRecorder()

	var m *Manager
	ready := make(chan struct{})
	closer := NewHandler(func(Event) {
		<-ready
		m.Close()
	})

	m = NewManager("ws://feed.test/ws", Config{ReconnectInterval: time.Millisecond},
		WithDialer(dialer),
		WithLogger(quietLogger()),
		WithHandler(EventDisconnected, closer),
		WithHandler(EventConnected, rec),
		WithHandler(EventDisconnected, rec),
	)
	defer m.Close()
	close(ready)

	rec.waitFor(t, EventConnected)
	dialer.transport(0).finish()

	rec.drain(50 * time.Millisecond)
	if m.State() != StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_Reconnect(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := newEventRecorder()
	m := newTestManager(t, Config{ReconnectInterval: time.Millisecond, MaxReconnectAttempts: 1}, dialer, rec)

	rec.waitFor(t, EventMaxReconnectAttemptsReached)

	dialer.setFailAll(false)
	if err := m.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	rec.waitFor(t, EventConnected)

	// No-op while connected
	if err := m.Reconnect(); err != nil {
		t.Errorf("Reconnect while connected = %v", err)
	}
	if got := dialer.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	m.Close()
	if err := m.Reconnect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reconnect after Close = %v, want ErrClosed", err)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero values",
			in:   Config{},
			want: DefaultConfig(),
		},
		{
			name: "custom values kept",
			in:   Config{ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: 3, DialTimeout: time.Second},
			want: Config{ReconnectInterval: 10 * time.Millisecond, MaxReconnectAttempts: 3, DialTimeout: time.Second},
		},
		{
			name: "negative attempts disable retries",
			in:   Config{MaxReconnectAttempts: -1},
			want: Config{ReconnectInterval: DefaultReconnectInterval, MaxReconnectAttempts: 0, DialTimeout: DefaultDialTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
		StateFailed:       "failed",
		StateClosed:       "closed",
		State(99):         "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
		if text, _ := s.MarshalText(); string(text) != want {
			t.Errorf("State(%d).MarshalText() = %q, want %q", int(s), text, want)
		}
	}
	if EventMaxReconnectAttemptsReached.String() != "maxReconnectAttemptsReached" {
		t.Errorf("unexpected event name %q", EventMaxReconnectAttemptsReached.String())
	}
}

func TestManager_CloseStopsRemainingHandlers(t *testing.T) {
	dialer := &fakeDialer{}
	block := newBlockingHandler()
	rec := newEventRecorder()
	m := NewManager("ws://feed.test/ws", DefaultConfig(),
		WithDialer(dialer),
		WithLogger(quietLogger()),
		WithHandler(EventConnected, block),
		WithHandler(EventConnected, rec),
	)

	select {
	case <-block.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connected handler")
	}

	// Close returns while the first handler is still running.
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(block.release)

	if events := rec.drain(50 * time.Millisecond); len(events) != 0 {
		t.Errorf("handler started after Close: %v", events)
	}
}
