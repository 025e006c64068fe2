package wait

import (
	"context"
	"strings"
	"sync"

	roadside "github.com/goliatone/go-roadside"
)

// TokenStore persists wait records. Consume is a compare-and-set on the
// consumed flag; every path that fires or resumes a wait goes through it, so
// a wait's outcome is delivered exactly once no matter how many timers,
// sweeps, or duplicate events race for it.
type TokenStore interface {
	Insert(ctx context.Context, tok *Token) error

	// Consume flips consumed false -> true and returns the record.
	// roadside.ErrTokenConsumed when already consumed, roadside.ErrNotFound
	// when the id is unknown.
	Consume(ctx context.Context, tokenID string) (*Token, error)

	// Outstanding returns the unconsumed wait for the incident, or
	// roadside.ErrNotFound.
	Outstanding(ctx context.Context, incidentID string) (*Token, error)

	// RevokeByIncident consumes (without firing) every unconsumed wait for
	// the incident and returns them.
	RevokeByIncident(ctx context.Context, incidentID string) ([]*Token, error)

	// ListUnconsumed returns all pending waits, for recovery and sweeping.
	ListUnconsumed(ctx context.Context) ([]*Token, error)
}

// MemoryTokenStore is the in-process TokenStore used by tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryTokenStore constructs an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Token)}
}

func (s *MemoryTokenStore) Insert(_ context.Context, tok *Token) error {
	if tok == nil || strings.TrimSpace(tok.ID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "token id required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[tok.ID]; exists {
		return roadside.WrapError(roadside.ErrConflict, "token already exists", nil,
			map[string]any{"token_id": tok.ID})
	}
	s.tokens[tok.ID] = cloneToken(tok)
	return nil
}

func (s *MemoryTokenStore) Consume(_ context.Context, tokenID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[strings.TrimSpace(tokenID)]
	if !ok {
		return nil, roadside.WrapError(roadside.ErrNotFound, "token not found", nil,
			map[string]any{"token_id": tokenID})
	}
	if tok.Consumed {
		return nil, roadside.WrapError(roadside.ErrTokenConsumed, "", nil,
			map[string]any{"token_id": tokenID, "incident_id": tok.IncidentID})
	}
	tok.Consumed = true
	return cloneToken(tok), nil
}

func (s *MemoryTokenStore) Outstanding(_ context.Context, incidentID string) (*Token, error) {
	incidentID = strings.TrimSpace(incidentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.IncidentID == incidentID && !tok.Consumed {
			return cloneToken(tok), nil
		}
	}
	return nil, roadside.WrapError(roadside.ErrNotFound, "no outstanding wait", nil,
		map[string]any{"incident_id": incidentID})
}

func (s *MemoryTokenStore) RevokeByIncident(_ context.Context, incidentID string) ([]*Token, error) {
	incidentID = strings.TrimSpace(incidentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []*Token
	for _, tok := range s.tokens {
		if tok.IncidentID == incidentID && !tok.Consumed {
			tok.Consumed = true
			revoked = append(revoked, cloneToken(tok))
		}
	}
	return revoked, nil
}

func (s *MemoryTokenStore) ListUnconsumed(_ context.Context) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Token
	for _, tok := range s.tokens {
		if !tok.Consumed {
			out = append(out, cloneToken(tok))
		}
	}
	return out, nil
}
