package plate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/plate-viewer/internal/connection"
)

// StoreStats provides statistics about the scene store.
type StoreStats struct {
	Updates    int64     `json:"updates"`     // Snapshots applied
	Ignored    int64     `json:"ignored"`     // Message payloads that were not snapshots
	PlateCount int       `json:"plate_count"` // Plates currently in the scene
	LastUpdate time.Time `json:"last_update"` // Local time of the last applied snapshot
}

// Store holds the current scene: the latest snapshot and the plate pool.
// The pool only grows; plates missing from a snapshot keep their last pose.
type Store struct {
	logger *slog.Logger

	mu         sync.RWMutex
	latest     *Snapshot
	plates     []Plate
	updates    int64
	ignored    int64
	lastUpdate time.Time
}

// NewStore creates an empty scene store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// HandleEvent applies snapshot payloads from message events.
func (s *Store) HandleEvent(ev connection.Event) {
	if ev.Kind != connection.EventMessage {
		return
	}
	snap, ok := ev.Payload.(*Snapshot)
	if !ok {
		s.mu.Lock()
		s.ignored++
		s.mu.Unlock()
		s.logger.Debug("ignoring non-snapshot payload", "type", typeName(ev.Payload))
		return
	}
	s.Update(snap, time.Now())
}

// Update applies snap as the current scene state.
func (s *Store) Update(snap *Snapshot, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.plates) < len(snap.Plates) {
		s.plates = append(s.plates, Plate{})
	}
	copy(s.plates, snap.Plates)

	s.latest = snap
	s.updates++
	s.lastUpdate = at
}

// Latest returns the most recent snapshot, if any.
func (s *Store) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// Plates returns a copy of the plate pool.
func (s *Store) Plates() []Plate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plate, len(s.plates))
	copy(out, s.plates)
	return out
}

// Stats returns current statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Updates:    s.updates,
		Ignored:    s.ignored,
		PlateCount: len(s.plates),
		LastUpdate: s.lastUpdate,
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
