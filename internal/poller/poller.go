package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/plate-viewer/internal/api"
)

// StatusSource fetches the feed server status. *api.Client satisfies it.
type StatusSource interface {
	GetStatus(ctx context.Context) (*api.FeedStatus, error)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 30s)
	Timeout  time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Stats contains poller statistics and the last report.
type Stats struct {
	Polls     int64           `json:"polls"`
	Errors    int64           `json:"errors"`
	LastPoll  time.Time       `json:"last_poll"`
	LastError string          `json:"last_error,omitempty"`
	Status    *api.FeedStatus `json:"status,omitempty"`
}

// Poller periodically fetches the feed server status via REST API.
type Poller struct {
	cfg    Config
	source StatusSource
	logger *slog.Logger

	mu        sync.RWMutex
	latest    *api.FeedStatus
	polls     int64
	errors    int64
	lastPoll  time.Time
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, source StatusSource, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:    cfg,
		source: source,
		logger: logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("status poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("status poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recent successful report.
func (p *Poller) Latest() (*api.FeedStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.latest != nil
}

// Stats returns poller statistics.
func (p *Poller) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Polls:     p.polls,
		Errors:    p.errors,
		LastPoll:  p.lastPoll,
		LastError: p.lastError,
		Status:    p.latest,
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll fetches one report and records the outcome.
func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	st, err := p.source.GetStatus(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	p.lastPoll = time.Now()

	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.errors++
		p.lastError = err.Error()
		p.logger.Warn("failed to poll feed status", "err", err)
		return
	}
	p.lastError = ""

	prev := ""
	if p.latest != nil {
		prev = p.latest.ProviderStatus
	}
	if st.ProviderStatus != prev {
		p.logger.Info("feed provider status changed",
			"from", prev,
			"to", st.ProviderStatus,
			"clients", st.ActiveConnections,
		)
	}
	p.latest = st
}
