package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/plate"
)

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds recorder settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before being written
	BufferSize    int           // Max queued rows before dropping
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats holds recorder counters.
type Stats struct {
	Snapshots int64 // Snapshots accepted
	Inserts   int64 // Rows written
	Errors    int64 // Failed batch inserts
	Flushes   int64 // Successful batch inserts
	Dropped   int64 // Rows dropped because the buffer was full or closed
	Ignored   int64 // Message payloads that were not snapshots
}

// Recorder batches plate rows into the database. Register it for EventMessage.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     BatchSender

	input *Buffer[row]

	// Batching
	batch   []row
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a recorder. Zero config fields take defaults.
func New(cfg Config, db BatchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	return &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  NewBuffer[row](cfg.BatchSize, cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),
		ctx:    context.Background(),
	}
}

// HandleEvent implements connection.Handler. It only queues rows and never blocks.
func (r *Recorder) HandleEvent(ev connection.Event) {
	if ev.Kind != connection.EventMessage {
		return
	}
	snap, ok := ev.Payload.(*plate.Snapshot)
	if !ok {
		r.statsMu.Lock()
		r.stats.Ignored++
		r.statsMu.Unlock()
		return
	}
	r.Record(snap, time.Now())
}

// Record queues the rows for one snapshot.
func (r *Recorder) Record(snap *plate.Snapshot, receivedAt time.Time) {
	var dropped int64
	for _, rw := range transform(snap, receivedAt) {
		if !r.input.Send(rw) {
			dropped++
		}
	}

	r.statsMu.Lock()
	r.stats.Snapshots++
	r.stats.Dropped += dropped
	r.statsMu.Unlock()

	if dropped > 0 {
		r.logger.Warn("recorder buffer full, rows dropped", "dropped", dropped)
	}
}

// Start begins consuming queued rows and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("recorder: no database")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop drains queued rows, performs a final flush and waits for the loops to exit.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	r.input.Close()
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush uses the caller's context; the run context is already cancelled.
	rows := r.input.DrainTo(0)
	r.batchMu.Lock()
	r.batch = append(r.batch, rows...)
	r.batchMu.Unlock()
	r.flushWith(ctx)

	r.logger.Info("recorder stopped", "inserts", r.Stats().Inserts)
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// consumeLoop moves queued rows into the batch.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		if r.collect(r.cfg.BatchSize) > 0 {
			continue
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// collect drains up to max queued rows into the batch and flushes when it is
// full. It returns the number of rows moved.
func (r *Recorder) collect(max int) int {
	rows := r.input.DrainTo(max)
	if len(rows) == 0 {
		return 0
	}

	r.batchMu.Lock()
	r.batch = append(r.batch, rows...)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
	return len(rows)
}

func (r *Recorder) flush() {
	r.flushWith(r.ctx)
}

// flushWith writes the current batch to the database.
func (r *Recorder) flushWith(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	if err := r.batchInsert(ctx, batch); err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.statsMu.Lock()
		r.stats.Errors++
		r.statsMu.Unlock()
		return
	}

	r.statsMu.Lock()
	r.stats.Inserts += int64(len(batch))
	r.stats.Flushes++
	r.statsMu.Unlock()

	r.logger.Debug("flushed plate rows",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using a single pgx.Batch round trip.
func (r *Recorder) batchInsert(ctx context.Context, rows []row) error {
	batch := &pgx.Batch{}
	for _, rw := range rows {
		rw.queue(batch)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
