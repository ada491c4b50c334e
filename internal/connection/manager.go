package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer sets the transport dialer. The default dials gorilla/websocket
// connections with DefaultWSConfig.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithCodec sets the frame codec. The default is JSONCodec.
func WithCodec(c Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHandler registers h for kind before the initial connection starts, so
// no early event is missed. Invalid handlers are logged and skipped.
func WithHandler(kind EventKind, h Handler) Option {
	return func(m *Manager) {
		m.initial = append(m.initial, initialHandler{kind: kind, h: h})
	}
}

type initialHandler struct {
	kind EventKind
	h    Handler
}

// envelopeKind identifies an inbox item.
type envelopeKind int

const (
	envOpened envelopeKind = iota
	envDialFailed
	envTransport
	envRetryDue
)

// envelope carries one occurrence into the event loop, tagged with the
// identity of the connection or retry that produced it.
type envelope struct {
	kind  envelopeKind
	id    uuid.UUID
	event TransportEvent // envTransport
	err   error          // envDialFailed
}

// activeConn is the connection currently owned by the manager.
type activeConn struct {
	id        uuid.UUID
	transport Transport // nil until the dial succeeds
	opened    bool      // set once Connected has been emitted
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// pendingRetry is a scheduled reconnect that can be cancelled explicitly.
type pendingRetry struct {
	id    uuid.UUID
	timer *time.Timer
}

func (r *pendingRetry) cancel() {
	r.timer.Stop()
}

// Manager owns one feed connection and reconnects it on unexpected close.
//
// Subscriber handlers run serially on the manager's event loop goroutine.
// All exported methods are safe for concurrent use, including from handlers.
// Close from another goroutine does not wait for a handler that is already
// running; it only guarantees that no further handler is started.
type Manager struct {
	url     string
	cfg     Config
	dialer  Dialer
	codec   Codec
	logger  *slog.Logger
	subs    *registry
	initial []initialHandler

	inbox chan envelope
	done  chan struct{}

	mu       sync.Mutex
	state    State
	attempts int
	conn     *activeConn
	retry    *pendingRetry
	closed   bool
	stats    ManagerStats
}

// NewManager creates a Connection Manager for url and immediately starts
// the initial connection attempt.
func NewManager(url string, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		url:    url,
		cfg:    cfg.withDefaults(),
		codec:  JSONCodec{},
		logger: slog.Default(),
		subs:   newRegistry(),
		inbox:  make(chan envelope, 64),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.dialer == nil {
		m.dialer = NewWSDialer(DefaultWSConfig(), m.logger)
	}

	for _, ih := range m.initial {
		if err := m.subs.add(ih.kind, ih.h); err != nil {
			m.logger.Warn("skipping handler", "event", ih.kind, "error", err)
		}
	}
	m.initial = nil

	go m.loop()

	m.connect()

	return m
}

// On registers h for kind. Registering the same handler twice is a no-op.
func (m *Manager) On(kind EventKind, h Handler) error {
	return m.subs.add(kind, h)
}

// Off unregisters h for kind. Unknown handlers are ignored.
func (m *Manager) Off(kind EventKind, h Handler) {
	m.subs.remove(kind, h)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive reconnect attempts made since
// the last successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	s.Attempts = m.attempts
	return s
}

// Send encodes payload and writes it if a transport is open. It reports
// whether the write was accepted and never emits events.
func (m *Manager) Send(payload any) bool {
	m.mu.Lock()
	if m.closed || m.conn == nil || !m.conn.opened {
		m.mu.Unlock()
		return false
	}
	t := m.conn.transport
	logger := m.conn.logger
	m.mu.Unlock()

	data, err := m.codec.Encode(payload)
	if err != nil {
		logger.Warn("failed to encode payload", "error", err)
		return false
	}

	if err := t.Send(data); err != nil {
		logger.Warn("send failed", "error", err)
		return false
	}

	m.mu.Lock()
	m.stats.MessagesSent++
	m.mu.Unlock()
	return true
}

// Reconnect starts a new connection attempt with a fresh retry budget. It is
// a no-op while a connection is live or being established.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.retry != nil {
		m.retry.cancel()
		m.retry = nil
	}
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("manual reconnect", "url", m.url)
	m.connect()
	return nil
}

// Close tears down the connection and cancels any pending retry. After Close
// returns no further handler is started and Send reports false.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed

	if m.retry != nil {
		m.retry.cancel()
		m.retry = nil
	}

	var t Transport
	if m.conn != nil {
		m.conn.cancel()
		t = m.conn.transport
		m.conn = nil
	}
	m.mu.Unlock()

	close(m.done)

	m.logger.Info("connection manager closed", "url", m.url)

	if t != nil {
		return t.Close()
	}
	return nil
}

// connect installs a new connection identity and dials in the background.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		return
	}

	id := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.conn = &activeConn{
		id:     id,
		cancel: cancel,
		logger: m.logger.With("conn_id", id.String()),
	}
	m.state = StateConnecting
	m.stats.Dials++
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Debug("connecting", "url", m.url, "conn_id", id.String(), "attempt", attempt)

	go m.dial(ctx, cancel, id)
}

// dial opens a transport and pumps its events into the inbox until the
// transport's event stream ends.
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, id uuid.UUID) {
	t, err := m.dialer.Dial(ctx, m.url)
	cancel()
	if err != nil {
		m.post(envelope{kind: envDialFailed, id: id, err: err})
		return
	}

	// Adopt the transport under the lock so that Close either sees it or
	// has already released this identity.
	m.mu.Lock()
	adopted := m.current(id)
	if adopted {
		m.conn.transport = t
	}
	m.mu.Unlock()

	if !adopted {
		t.Close()
	} else {
		m.post(envelope{kind: envOpened, id: id})
	}

	for ev := range t.Events() {
		m.post(envelope{kind: envTransport, id: id, event: ev})
	}
}

// post delivers env to the event loop. It returns false if the manager is closed.
func (m *Manager) post(env envelope) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.inbox <- env:
		return true
	case <-m.done:
		return false
	}
}

// loop is the single goroutine that handles transport and timer occurrences
// and runs subscriber handlers.
func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case env := <-m.inbox:
			m.handle(env)
		}
	}
}

func (m *Manager) handle(env envelope) {
	switch env.kind {
	case envRetryDue:
		m.handleRetryDue(env.id)
	case envOpened:
		m.handleOpened(env.id)
	case envDialFailed:
		m.handleDialFailed(env.id, env.err)
	case envTransport:
		switch env.event.Kind {
		case TransportMessage:
			m.handleMessage(env.id, env.event.Data)
		case TransportError:
			m.handleTransportError(env.id, env.event.Err)
		case TransportClosed:
			m.handleTransportClosed(env.id)
		}
	}
}

// current reports whether id is the live connection. Caller holds m.mu.
func (m *Manager) current(id uuid.UUID) bool {
	return !m.closed && m.conn != nil && m.conn.id == id
}

func (m *Manager) handleOpened(id uuid.UUID) {
	m.mu.Lock()
	if !m.current(id) || m.conn.transport == nil {
		m.mu.Unlock()
		return
	}
	m.conn.opened = true
	m.attempts = 0
	m.state = StateConnected
	m.stats.Connects++
	logger := m.conn.logger
	m.mu.Unlock()

	logger.Info("websocket connected", "url", m.url)
	m.emit(Event{Kind: EventConnected, ConnID: id})
}

func (m *Manager) handleDialFailed(id uuid.UUID, err error) {
	m.mu.Lock()
	if !m.current(id) {
		m.mu.Unlock()
		return
	}
	logger := m.conn.logger
	m.conn = nil
	m.state = StateError
	m.mu.Unlock()

	logger.Warn("failed to connect", "url", m.url, "error", err)
	m.emit(Event{Kind: EventError, ConnID: id, Err: fmt.Errorf("dial %s: %w", m.url, err)})
	m.scheduleReconnect()
}

func (m *Manager) handleMessage(id uuid.UUID, data []byte) {
	m.mu.Lock()
	if !m.current(id) {
		m.mu.Unlock()
		return
	}
	m.stats.MessagesReceived++
	logger := m.conn.logger
	m.mu.Unlock()

	payload, err := m.codec.Decode(data)
	if err != nil {
		m.mu.Lock()
		m.stats.DecodeErrors++
		m.mu.Unlock()

		logger.Warn("dropping malformed message", "error", err, "size", len(data))
		m.emit(Event{Kind: EventError, ConnID: id, Err: fmt.Errorf("%w: %w", ErrDecode, err)})
		return
	}

	m.mu.Lock()
	m.stats.MessagesDelivered++
	m.mu.Unlock()

	m.emit(Event{Kind: EventMessage, ConnID: id, Payload: payload})
}

func (m *Manager) handleTransportError(id uuid.UUID, err error) {
	m.mu.Lock()
	if !m.current(id) {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	logger := m.conn.logger
	m.mu.Unlock()

	// Informational only: the transport follows up with a close, which drives the retry.
	logger.Warn("connection error", "error", err)
	m.emit(Event{Kind: EventError, ConnID: id, Err: err})
}

func (m *Manager) handleTransportClosed(id uuid.UUID) {
	m.mu.Lock()
	if !m.current(id) {
		m.mu.Unlock()
		return
	}
	logger := m.conn.logger
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	logger.Info("websocket disconnected", "url", m.url)
	m.emit(Event{Kind: EventDisconnected, ConnID: id})
	m.scheduleReconnect()
}

// scheduleReconnect applies the reconnection policy.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	// A handler may have closed or manually reconnected the manager.
	if m.closed || m.conn != nil || m.retry != nil {
		m.mu.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateFailed
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Error("max reconnection attempts reached",
			"url", m.url,
			"attempts", attempts,
		)
		m.emit(Event{Kind: EventMaxReconnectAttemptsReached})
		return
	}

	m.attempts++
	attempt := m.attempts
	token := uuid.New()
	m.retry = &pendingRetry{
		id: token,
		timer: time.AfterFunc(m.cfg.ReconnectInterval, func() {
			m.post(envelope{kind: envRetryDue, id: token})
		}),
	}
	m.mu.Unlock()

	m.logger.Info("reconnecting",
		"url", m.url,
		"attempt", attempt,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"wait", m.cfg.ReconnectInterval,
	)
}

func (m *Manager) handleRetryDue(token uuid.UUID) {
	m.mu.Lock()
	if m.closed || m.retry == nil || m.retry.id != token {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	m.connect()
}

// emit delivers ev to the handlers registered for its kind.
func (m *Manager) emit(ev Event) {
	for _, h := range m.subs.snapshot(ev.Kind) {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		h.HandleEvent(ev)
	}
}
