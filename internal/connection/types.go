package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no ping)")
	ErrClosed               = errors.New("manager closed")
	ErrDecode               = errors.New("decode message")
	ErrHandlerNotComparable = errors.New("handler is not comparable")
	ErrNilHandler           = errors.New("nil handler")
	ErrUnknownEvent         = errors.New("unknown event kind")
)

// State is the lifecycle state of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateError is entered on a transport error. It does not by itself schedule a retry.
	StateError
	// StateFailed is terminal for automatic recovery: reconnect attempts are exhausted.
	StateFailed
	// StateClosed means Close was called. The manager is inert.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so stats serialize by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind enumerates the events a Manager publishes to subscribers.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventMessage
	EventMaxReconnectAttemptsReached

	numEventKinds
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	case EventMaxReconnectAttemptsReached:
		return "maxReconnectAttemptsReached"
	default:
		return "unknown"
	}
}

func (k EventKind) valid() bool {
	return k >= 0 && k < numEventKinds
}

// Event is delivered to subscribers.
type Event struct {
	Kind    EventKind
	ConnID  uuid.UUID // Transport instance that produced the event (zero for policy events)
	Payload any       // Decoded message (EventMessage only)
	Err     error     // Error detail (EventError only)
}

// Handler receives manager events. Implementations must be comparable
// (typically a pointer) so the registry can deduplicate them.
type Handler interface {
	HandleEvent(Event)
}

type funcHandler struct {
	fn func(Event)
}

func (h *funcHandler) HandleEvent(ev Event) { h.fn(ev) }

// NewHandler wraps fn in a Handler with pointer identity. Keep the returned
// value to pass to Off later.
func NewHandler(fn func(Event)) Handler {
	return &funcHandler{fn: fn}
}

// TransportEventKind identifies a TransportEvent.
type TransportEventKind int

const (
	TransportMessage TransportEventKind = iota
	TransportError
	TransportClosed
)

// TransportEvent is emitted by a Transport. TransportClosed is always the
// last event; the channel is closed after it.
type TransportEvent struct {
	Kind       TransportEventKind
	Data       []byte    // Frame payload (TransportMessage)
	Err        error     // Error detail (TransportError)
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// Config configures the Connection Manager. Zero values fall back to defaults.
type Config struct {
	ReconnectInterval    time.Duration // Delay between retry attempts
	MaxReconnectAttempts int           // Cap on consecutive retries (negative disables retries)
	DialTimeout          time.Duration // Deadline for a single dial
}

// Default values for Config.
const (
	DefaultReconnectInterval    = 1000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeout          = 10 * time.Second
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		DialTimeout:          DefaultDialTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State             State
	Attempts          int   // Current consecutive reconnect attempts
	Dials             int64 // Total dials started
	Connects          int64 // Total successful opens
	MessagesReceived  int64
	MessagesDelivered int64 // Messages decoded and published
	DecodeErrors      int64
	MessagesSent      int64
}
