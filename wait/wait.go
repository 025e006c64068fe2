// Package wait schedules durable wake-ups and signal-style wait tokens for
// parked lifecycle executions. Waits survive process restart: Recover re-arms
// persisted deadlines, firing any that passed while the process was down.
//
// Two wait styles exist. A wake is poll-style: the timer fires and the
// orchestrator re-checks the record store. A token is signal-style: an
// external system presents it to resume the execution immediately, and the
// deadline only fires as a synthetic timeout if nobody ever does.
package wait

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	roadside "github.com/goliatone/go-roadside"
)

// Kind distinguishes the two wait styles.
type Kind string

const (
	KindWake   Kind = "wake"
	KindSignal Kind = "signal"
)

// Token is one durable wait record. Single-use: consuming it to resume (or
// expire) invalidates it.
type Token struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Node       string    `json:"node"`
	Kind       Kind      `json:"kind"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Handler receives wait outcomes. The orchestrator engine implements it.
type Handler interface {
	// OnWake fires when a poll-style timer elapses.
	OnWake(ctx context.Context, t Token)
	// OnResume fires when an external signal consumes a token in time.
	OnResume(ctx context.Context, t Token, payload map[string]any)
	// OnExpire fires when a signal-style token times out unconsumed.
	OnExpire(ctx context.Context, t Token)
}

// Service is the durable timer/wait contract consumed by the orchestrator.
type Service interface {
	// ScheduleWake arms a poll-style timer for the incident at node.
	ScheduleWake(ctx context.Context, incidentID, node string, after time.Duration) (*Token, error)

	// ParkForSignal issues a single-use token the external system must
	// present to resume; after timeout a synthetic expiry fires instead.
	ParkForSignal(ctx context.Context, incidentID, node string, timeout time.Duration) (*Token, error)

	// Resume consumes the token by id and delivers the payload.
	Resume(ctx context.Context, tokenID string, payload map[string]any) error

	// ResumeFor consumes the outstanding signal token for the incident,
	// provided it belongs to the named wait node. Inbound events carry
	// incident ids, not token ids; the node check keeps a stale duplicate
	// from consuming a later wait's token.
	ResumeFor(ctx context.Context, incidentID, node string, payload map[string]any) error

	// Revoke drops every outstanding wait for the incident without firing.
	Revoke(ctx context.Context, incidentID string) error
}

// Timers is the wait service implementation over a TokenStore. In-memory
// timers drive prompt firing; the store plus the sweeper provide durability.
type Timers struct {
	store   TokenStore
	handler Handler
	logger  Logger
	now     func() time.Time

	mu     sync.Mutex
	armed  map[string]*time.Timer
	cron   *rcron.Cron
	closed bool
}

// Logger is the minimal logging surface the wait service needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures Timers.
type Option func(*Timers)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(t *Timers) { t.logger = l }
}

// WithNow overrides the clock. Test hook.
func WithNow(now func() time.Time) Option {
	return func(t *Timers) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs the wait service over the given store.
func New(store TokenStore, opts ...Option) *Timers {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	t := &Timers{
		store: store,
		armed: make(map[string]*time.Timer),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// SetHandler binds the wait outcome consumer. Must be called before waits are
// scheduled; split from New because the engine and the service reference each
// other.
func (t *Timers) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start launches the expiry sweeper. The sweeper is a safety net behind the
// in-memory timers: it catches deadlines whose timers were lost to a crash
// before Recover ran, and it is cheap to run every minute.
func (t *Timers) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return nil
	}
	c := rcron.New()
	if _, err := c.AddFunc("* * * * *", func() {
		t.sweep(context.Background())
	}); err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "schedule expiry sweeper", err, nil)
	}
	c.Start()
	t.cron = c
	return nil
}

// Stop halts the sweeper and drops armed in-memory timers. Durable records
// remain; Recover re-arms them on the next start.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cron != nil {
		t.cron.Stop()
		t.cron = nil
	}
	for id, timer := range t.armed {
		timer.Stop()
		delete(t.armed, id)
	}
}

func (t *Timers) ScheduleWake(ctx context.Context, incidentID, node string, after time.Duration) (*Token, error) {
	return t.issue(ctx, incidentID, node, KindWake, after)
}

func (t *Timers) ParkForSignal(ctx context.Context, incidentID, node string, timeout time.Duration) (*Token, error) {
	return t.issue(ctx, incidentID, node, KindSignal, timeout)
}

func (t *Timers) issue(ctx context.Context, incidentID, node string, kind Kind, after time.Duration) (*Token, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, roadside.WrapError(roadside.ErrInvalidTransition, "incident id required", nil, nil)
	}
	if after <= 0 {
		return nil, roadside.WrapError(roadside.ErrInvalidTransition, "wait duration must be positive", nil,
			map[string]any{"incident_id": incidentID, "node": node})
	}

	// One outstanding wait per incident: a fresh issue supersedes the old.
	if err := t.Revoke(ctx, incidentID); err != nil && !roadside.IsNotFound(err) {
		return nil, err
	}

	now := t.now()
	tok := &Token{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Node:       strings.TrimSpace(node),
		Kind:       kind,
		ExpiresAt:  now.Add(after),
		CreatedAt:  now,
	}
	if err := t.store.Insert(ctx, tok); err != nil {
		return nil, err
	}
	t.arm(tok, after)
	return cloneToken(tok), nil
}

// arm starts the in-memory timer that fires the deadline promptly.
func (t *Timers) arm(tok *Token, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	id := tok.ID
	t.armed[id] = time.AfterFunc(after, func() {
		t.fire(context.Background(), id)
	})
}

// fire consumes the record and dispatches the deadline outcome. The consume
// compare-and-set makes firing idempotent against sweeper/recovery races.
func (t *Timers) fire(ctx context.Context, tokenID string) {
	t.mu.Lock()
	delete(t.armed, tokenID)
	handler := t.handler
	t.mu.Unlock()

	tok, err := t.store.Consume(ctx, tokenID)
	if err != nil {
		if !roadside.IsTokenConsumed(err) && !roadside.IsNotFound(err) && t.logger != nil {
			t.logger.Error("deadline consume failed token=%s err=%v", tokenID, err)
		}
		return
	}
	if handler == nil {
		if t.logger != nil {
			t.logger.Warn("deadline fired with no handler bound token=%s", tokenID)
		}
		return
	}
	switch tok.Kind {
	case KindWake:
		handler.OnWake(ctx, *tok)
	case KindSignal:
		handler.OnExpire(ctx, *tok)
	}
}

func (t *Timers) Resume(ctx context.Context, tokenID string, payload map[string]any) error {
	tok, err := t.store.Consume(ctx, tokenID)
	if err != nil {
		return err
	}
	return t.deliverResume(ctx, tok, payload)
}

func (t *Timers) ResumeFor(ctx context.Context, incidentID, node string, payload map[string]any) error {
	tok, err := t.store.Outstanding(ctx, incidentID)
	if err != nil {
		return err
	}
	if tok.Kind != KindSignal {
		return roadside.WrapError(roadside.ErrInvalidTransition, "outstanding wait is not signal-style", nil,
			map[string]any{"incident_id": incidentID, "node": tok.Node})
	}
	if tok.Node != node {
		// The incident moved on to a different wait since the event was
		// emitted. Leave the current token untouched.
		return roadside.WrapError(roadside.ErrNotFound, "no outstanding wait for node", nil,
			map[string]any{"incident_id": incidentID, "node": node, "outstanding": tok.Node})
	}
	consumed, err := t.store.Consume(ctx, tok.ID)
	if err != nil {
		return err
	}
	return t.deliverResume(ctx, consumed, payload)
}

func (t *Timers) deliverResume(ctx context.Context, tok *Token, payload map[string]any) error {
	if tok.Kind != KindSignal {
		return roadside.WrapError(roadside.ErrInvalidTransition, "wake timers cannot be resumed", nil,
			map[string]any{"incident_id": tok.IncidentID, "node": tok.Node})
	}
	t.disarm(tok.ID)

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "no wait handler bound", nil, nil)
	}
	if t.now().After(tok.ExpiresAt) {
		// The deadline passed before the signal was presented. The token
		// is consumed at this point, so neither the timer nor the sweeper
		// will report the timeout: deliver it here.
		handler.OnExpire(ctx, *tok)
		return roadside.WrapError(roadside.ErrTokenExpired, "", nil,
			map[string]any{"incident_id": tok.IncidentID, "node": tok.Node})
	}
	handler.OnResume(ctx, *tok, payload)
	return nil
}

func (t *Timers) Revoke(ctx context.Context, incidentID string) error {
	toks, err := t.store.RevokeByIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		t.disarm(tok.ID)
	}
	return nil
}

func (t *Timers) disarm(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.armed[tokenID]; ok {
		timer.Stop()
		delete(t.armed, tokenID)
	}
}

// Recover re-arms every unconsumed wait after a restart. Deadlines that
// passed while the process was down fire immediately.
func (t *Timers) Recover(ctx context.Context) error {
	toks, err := t.store.ListUnconsumed(ctx)
	if err != nil {
		return err
	}
	now := t.now()
	for _, tok := range toks {
		remaining := tok.ExpiresAt.Sub(now)
		if remaining <= 0 {
			t.fire(ctx, tok.ID)
			continue
		}
		t.arm(tok, remaining)
	}
	if t.logger != nil {
		t.logger.Info("wait recovery re-armed %d waits", len(toks))
	}
	return nil
}

// sweep expires overdue unconsumed waits missed by in-memory timers.
func (t *Timers) sweep(ctx context.Context) {
	toks, err := t.store.ListUnconsumed(ctx)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("expiry sweep failed: %v", err)
		}
		return
	}
	now := t.now()
	for _, tok := range toks {
		if now.After(tok.ExpiresAt) {
			t.fire(ctx, tok.ID)
		}
	}
}

func cloneToken(tok *Token) *Token {
	if tok == nil {
		return nil
	}
	cp := *tok
	return &cp
}
