package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/plate"
)

// Publisher delivers one encoded snapshot.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// Stats holds forwarder counters.
type Stats struct {
	Published int64
	Errors    int64
	Dropped   int64
}

// Forwarder queues snapshots from message events and publishes them. Register it for EventMessage.
type Forwarder struct {
	name    string
	pub     Publisher
	logger  *slog.Logger
	timeout time.Duration

	queue chan []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewForwarder creates a forwarder with a queue of size queueSize.
func NewForwarder(name string, pub Publisher, queueSize int, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &Forwarder{
		name:    name,
		pub:     pub,
		logger:  logger.With("sink", name),
		timeout: 5 * time.Second,
		queue:   make(chan []byte, queueSize),
	}
}

// HandleEvent implements connection.Handler.
func (f *Forwarder) HandleEvent(ev connection.Event) {
	if ev.Kind != connection.EventMessage {
		return
	}
	snap, ok := ev.Payload.(*plate.Snapshot)
	if !ok {
		return
	}
	body, err := json.Marshal(snap)
	if err != nil {
		f.count(func(s *Stats) { s.Errors++ })
		f.logger.Warn("encode snapshot failed", "error", err)
		return
	}

	select {
	case f.queue <- body:
	default:
		f.count(func(s *Stats) { s.Dropped++ })
	}
}

// Start begins publishing queued snapshots.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.run(ctx)

	f.logger.Info("sink started", "queue", cap(f.queue))
}

// Stop stops publishing and closes the publisher. Queued snapshots are discarded.
func (f *Forwarder) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	s := f.Stats()
	f.logger.Info("sink stopped", "published", s.Published, "errors", s.Errors, "dropped", s.Dropped)
	return f.pub.Close()
}

// Stats returns current counters.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case body := <-f.queue:
			f.publish(ctx, body)
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, body []byte) {
	pubCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.pub.Publish(pubCtx, body); err != nil {
		f.count(func(s *Stats) { s.Errors++ })
		f.logger.Warn("publish failed", "error", err)
		return
	}
	f.count(func(s *Stats) { s.Published++ })
}

func (f *Forwarder) count(fn func(*Stats)) {
	f.mu.Lock()
	fn(&f.stats)
	f.mu.Unlock()
}
