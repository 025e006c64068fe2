// Package store persists incident records. All status changes go through
// ConditionalUpdate so that the orchestrator and external writers (matcher,
// tracking) never lose each other's updates.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
)

// Mutator applies an in-place change to a loaded incident copy. The store
// persists the result only if the optimistic check still holds.
type Mutator func(*roadside.Incident) error

// Change is one entry on the record store change feed.
type Change struct {
	IncidentID string
	Status     roadside.IncidentStatus
	Version    int
	At         time.Time
}

// RecordStore is the keyed incident store with conditional updates.
type RecordStore interface {
	// Get returns a copy of the incident or roadside.ErrNotFound.
	Get(ctx context.Context, id string) (*roadside.Incident, error)

	// Create inserts a new incident record. Returns roadside.ErrConflict
	// when the id already exists.
	Create(ctx context.Context, inc *roadside.Incident) error

	// ConditionalUpdate loads the incident, verifies expectedStatus when
	// non-empty, applies the mutator, and persists under a version
	// compare-and-set. Returns roadside.ErrConflict when the race is lost.
	ConditionalUpdate(ctx context.Context, id string, expectedStatus roadside.IncidentStatus, fn Mutator) (*roadside.Incident, error)

	// Watch subscribes to the change feed until ctx is done. Slow consumers
	// may miss entries; the feed is a wake-up hint, never a source of truth.
	Watch(ctx context.Context) <-chan Change
}

const watchBuffer = 64

// MemoryStore is the in-process RecordStore used by tests and the engine's
// default wiring.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*roadside.Incident
	watchers map[int]chan Change
	nextID   int
	now      func() time.Time
}

// NewMemoryStore constructs an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*roadside.Incident),
		watchers: make(map[int]chan Change),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the store clock. Test hook.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*roadside.Incident, error) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, roadside.WrapError(roadside.ErrNotFound, "incident not found", nil,
			map[string]any{"incident_id": id})
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, inc *roadside.Incident) error {
	if inc == nil || strings.TrimSpace(inc.ID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "incident id required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[inc.ID]; exists {
		return roadside.WrapError(roadside.ErrConflict, "incident already exists", nil,
			map[string]any{"incident_id": inc.ID})
	}
	rec := inc.Clone()
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1
	s.records[rec.ID] = rec
	s.notify(rec)
	return nil
}

func (s *MemoryStore) ConditionalUpdate(
	_ context.Context,
	id string,
	expectedStatus roadside.IncidentStatus,
	fn Mutator,
) (*roadside.Incident, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, roadside.WrapError(roadside.ErrNotFound, "incident not found", nil,
			map[string]any{"incident_id": id})
	}
	if expectedStatus != "" && rec.Status != expectedStatus {
		return nil, roadside.WrapError(roadside.ErrConflict, "status precondition failed", nil,
			map[string]any{
				"incident_id": id,
				"expected":    string(expectedStatus),
				"actual":      string(rec.Status),
			})
	}

	next := rec.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	next.Version = rec.Version + 1
	next.UpdatedAt = s.now()
	s.records[id] = next
	s.notify(next)
	return next.Clone(), nil
}

func (s *MemoryStore) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, watchBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notify pushes a change entry to every watcher. Full buffers drop; the feed
// is advisory.
func (s *MemoryStore) notify(rec *roadside.Incident) {
	change := Change{
		IncidentID: rec.ID,
		Status:     rec.Status,
		Version:    rec.Version,
		At:         rec.UpdatedAt,
	}
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
