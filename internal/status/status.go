// Package status tracks the connection status shown to the operator.
package status

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/plate-viewer/internal/connection"
)

// Status is the operator-facing connection status.
type Status string

const (
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	Error        Status = "error"
	Failed       Status = "failed"
)

var labels = map[Status]string{
	Connecting:   "Connecting...",
	Connected:    "Connected",
	Disconnected: "Disconnected",
	Error:        "Connection Error",
	Failed:       "Reconnect attempts exhausted",
}

// Label returns the display text for s.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// Snapshot is the indicator state at a point in time.
type Snapshot struct {
	Status    Status    `json:"status"`
	Label     string    `json:"label"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	Changes   int64     `json:"changes"`
}

// StateSource reports the manager's lifecycle state. *connection.Manager
// satisfies it.
type StateSource interface {
	State() connection.State
}

// Indicator maps manager events to a status. Register it for
// EventConnected, EventDisconnected, EventError and
// EventMaxReconnectAttemptsReached.
type Indicator struct {
	logger *slog.Logger
	source StateSource

	mu        sync.RWMutex
	status    Status
	lastError string
	since     time.Time
	changes   int64
}

// NewIndicator creates an indicator in the connecting state.
func NewIndicator(logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{
		logger: logger,
		status: Connecting,
		since:  time.Now(),
	}
}

// Events lists the event kinds the indicator listens to.
func (i *Indicator) Events() []connection.EventKind {
	return []connection.EventKind{
		connection.EventConnected,
		connection.EventDisconnected,
		connection.EventError,
		connection.EventMaxReconnectAttemptsReached,
	}
}

// Attach lets the indicator show retry dials as connecting. The manager
// emits no event when a scheduled retry starts dialing.
func (i *Indicator) Attach(src StateSource) {
	i.mu.Lock()
	i.source = src
	i.mu.Unlock()
}

// HandleEvent implements connection.Handler.
func (i *Indicator) HandleEvent(ev connection.Event) {
	var next Status
	switch ev.Kind {
	case connection.EventConnected:
		next = Connected
	case connection.EventDisconnected:
		next = Disconnected
	case connection.EventError:
		next = Error
	case connection.EventMaxReconnectAttemptsReached:
		next = Failed
	default:
		return
	}

	i.mu.Lock()
	prev := i.status
	if ev.Err != nil {
		i.lastError = ev.Err.Error()
	} else if next == Connected {
		i.lastError = ""
	}
	// A malformed frame does not affect the connection.
	if errors.Is(ev.Err, connection.ErrDecode) {
		next = prev
	}
	if prev == next {
		i.mu.Unlock()
		return
	}
	i.status = next
	i.since = time.Now()
	i.changes++
	i.mu.Unlock()

	attrs := []any{"from", prev, "to", next, "conn_id", ev.ConnID}
	switch next {
	case Error:
		i.logger.Warn("connection status changed", append(attrs, "error", ev.Err)...)
	case Failed:
		i.logger.Error("connection status changed", attrs...)
	default:
		i.logger.Info("connection status changed", attrs...)
	}
}

// Current returns the current status.
func (i *Indicator) Current() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.displayed()
}

// displayed overlays a retry dial on the last event status. Caller holds i.mu.
func (i *Indicator) displayed() Status {
	if i.source == nil {
		return i.status
	}
	if i.status == Disconnected || i.status == Error {
		if i.source.State() == connection.StateConnecting {
			return Connecting
		}
	}
	return i.status
}

// Snapshot returns the full indicator state.
func (i *Indicator) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	st := i.displayed()
	return Snapshot{
		Status:    st,
		Label:     st.Label(),
		LastError: i.lastError,
		Since:     i.since,
		Changes:   i.changes,
	}
}
