package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
)

// ExecContext is the durable continuation state for one incident's lifecycle
// run. It is what a restarted process needs to pick the machine back up:
// the current node, the accumulated matching inputs, and the outstanding
// wait token if the execution is parked.
type ExecContext struct {
	IncidentID string `json:"incident_id"`
	Node       Node   `json:"node"`
	// Generation counts matching cycles. It increments every pass through
	// the initialize node, so effect keys from a fresh cycle never collide
	// with the previous one even though the attempt counter restarts.
	Generation  int        `json:"generation"`
	Attempt     int        `json:"attempt"`
	RadiusMiles float64    `json:"radius_miles"`
	VendorID    string     `json:"vendor_id,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`

	// WaitTokenID is the single outstanding wait, empty when running.
	WaitTokenID string `json:"wait_token_id,omitempty"`

	// EscalationReason travels with the execution into the escalation path.
	EscalationReason string `json:"escalation_reason,omitempty"`
	// ErrorDetail carries the failure that routed into handle_matching_error.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Finished flips once the terminal node's own work has run. Until then
	// the execution still needs driving even though its node is terminal.
	Finished bool `json:"finished,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (ec *ExecContext) Clone() *ExecContext {
	if ec == nil {
		return nil
	}
	cp := *ec
	if ec.AssignedAt != nil {
		t := *ec.AssignedAt
		cp.AssignedAt = &t
	}
	return &cp
}

// ExecStore persists execution contexts keyed by incident id (1:1).
type ExecStore interface {
	// Load returns the execution context or roadside.ErrNotFound.
	Load(ctx context.Context, incidentID string) (*ExecContext, error)
	// Save upserts the execution context.
	Save(ctx context.Context, ec *ExecContext) error
}

// MemoryExecStore is the in-process ExecStore used by tests.
type MemoryExecStore struct {
	mu    sync.RWMutex
	execs map[string]*ExecContext
}

// NewMemoryExecStore constructs an empty store.
func NewMemoryExecStore() *MemoryExecStore {
	return &MemoryExecStore{execs: make(map[string]*ExecContext)}
}

func (s *MemoryExecStore) Load(_ context.Context, incidentID string) (*ExecContext, error) {
	incidentID = strings.TrimSpace(incidentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ec, ok := s.execs[incidentID]
	if !ok {
		return nil, roadside.WrapError(roadside.ErrNotFound, "execution not found", nil,
			map[string]any{"incident_id": incidentID})
	}
	return ec.Clone(), nil
}

func (s *MemoryExecStore) Save(_ context.Context, ec *ExecContext) error {
	if ec == nil || strings.TrimSpace(ec.IncidentID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "execution incident id required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ec.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.execs[cp.IncidentID] = cp
	return nil
}

// Active returns executions that still need driving, for restart recovery.
func (s *MemoryExecStore) Active(_ context.Context) ([]*ExecContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecContext
	for _, ec := range s.execs {
		if !ec.Finished {
			out = append(out, ec.Clone())
		}
	}
	return out, nil
}
