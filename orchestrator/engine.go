package orchestrator

import (
	"context"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/store"
	"github.com/goliatone/go-roadside/wait"
)

// Publisher is the outbound event boundary. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt roadside.Event) error
}

// MatchRequester asks the external matcher for a vendor. Implementations
// must be safely retryable; the receiving side dedupes on incident+attempt.
type MatchRequester interface {
	RequestMatch(ctx context.Context, req roadside.MatchRequested) error
}

// EscalationNotifier hands an incident to the human dispatcher.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, esc roadside.IncidentEscalated) error
}

// Outcome classifies the result of one Advance call.
type Outcome string

const (
	// OutcomeAdvanced means the machine moved to a new node and can step again.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeParked means the execution is suspended on a durable wait.
	OutcomeParked Outcome = "parked"
	OutcomeClosed    Outcome = "closed"
	OutcomeEscalated Outcome = "escalated"
	OutcomeCancelled Outcome = "cancelled"
)

// Engine drives incident lifecycles. Each incident's execution is strictly
// sequential; incidents run independently of one another. The engine holds
// no state of its own beyond per-incident locks: everything durable lives in
// the injected stores, so a restarted engine picks up where the old one
// stopped via Recover.
type Engine struct {
	records  store.RecordStore
	execs    ExecStore
	waits    wait.Service
	pub      Publisher
	matcher  MatchRequester
	notifier EscalationNotifier
	ledger   EffectLedger

	params Params
	logger Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithParams overrides the lifecycle constants.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p.Normalize() }
}

// WithLogger sets the engine logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = normalizeLogger(l) }
}

// WithLedger overrides the effect ledger.
func WithLedger(l EffectLedger) Option {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithNow overrides the engine clock. Test hook.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs the lifecycle engine. All collaborators are injected; there
// are no ambient singletons.
func New(
	records store.RecordStore,
	execs ExecStore,
	waits wait.Service,
	pub Publisher,
	matcher MatchRequester,
	notifier EscalationNotifier,
	opts ...Option,
) (*Engine, error) {
	if records == nil || execs == nil || waits == nil || pub == nil {
		return nil, roadside.WrapError(roadside.ErrInvalidTransition,
			"record store, exec store, wait service, and publisher are required", nil, nil)
	}
	if matcher == nil || notifier == nil {
		return nil, roadside.WrapError(roadside.ErrInvalidTransition,
			"match trigger and escalation notifier are required", nil, nil)
	}
	e := &Engine{
		records:  records,
		execs:    execs,
		waits:    waits,
		pub:      pub,
		matcher:  matcher,
		notifier: notifier,
		ledger:   NewMemoryLedger(),
		params:   DefaultParams(),
		logger:   normalizeLogger(nil),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Params returns the normalized lifecycle constants in effect.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) lockFor(incidentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[incidentID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[incidentID] = lock
	}
	return lock
}

// HandleIncidentCreated starts a new lifecycle execution. Duplicate or
// retry re-publications are no-ops whether the execution is still active
// or already terminal; an incident never runs twice.
func (e *Engine) HandleIncidentCreated(ctx context.Context, evt roadside.IncidentCreated) error {
	lock := e.lockFor(evt.IncidentID)
	lock.Lock()

	if ec, err := e.execs.Load(ctx, evt.IncidentID); err == nil {
		lock.Unlock()
		e.logger.Debug("execution already exists incident=%s node=%s finished=%t",
			evt.IncidentID, ec.Node, ec.Finished)
		return nil
	}

	createdAt := evt.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	err := e.records.Create(ctx, &roadside.Incident{
		ID:          evt.IncidentID,
		DriverID:    evt.DriverID,
		Type:        evt.Kind,
		Location:    evt.Location,
		Status:      roadside.StatusCreated,
		Attempt:     1,
		RadiusMiles: e.params.BaseRadiusMiles,
		CreatedAt:   createdAt,
	})
	if err != nil && !roadside.IsConflict(err) {
		lock.Unlock()
		return err
	}

	if err := e.execs.Save(ctx, &ExecContext{
		IncidentID: evt.IncidentID,
		Node:       NodeInitialize,
	}); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.Info("lifecycle started incident=%s retry=%t", evt.IncidentID, evt.IsRetry)
	e.run(ctx, evt.IncidentID)
	return nil
}

// HandleOfferAccepted wakes a parked vendor-response wait early. The event
// content is never trusted; the check step re-reads the record store.
func (e *Engine) HandleOfferAccepted(ctx context.Context, evt roadside.OfferAccepted) error {
	lock := e.lockFor(evt.IncidentID)
	lock.Lock()
	ec, err := e.execs.Load(ctx, evt.IncidentID)
	if err != nil {
		lock.Unlock()
		if roadside.IsNotFound(err) {
			return nil
		}
		return err
	}
	if ec.Node != NodeWaitVendorResponse || ec.WaitTokenID == "" {
		lock.Unlock()
		return nil
	}
	if err := e.waits.Revoke(ctx, evt.IncidentID); err != nil && !roadside.IsNotFound(err) {
		lock.Unlock()
		return err
	}
	ec.WaitTokenID = ""
	ec.Node = NodeCheckVendorResponse
	if err := e.execs.Save(ctx, ec); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.logger.Debug("early wake on offer accepted incident=%s", evt.IncidentID)
	e.run(ctx, evt.IncidentID)
	return nil
}

// HandleWorkCompleted resumes the work-completion wait. Duplicate deliveries
// find the token consumed and are ignored.
func (e *Engine) HandleWorkCompleted(ctx context.Context, evt roadside.WorkCompleted) error {
	return e.resumeSignal(ctx, evt.IncidentID, NodeWaitWorkCompletion, nil)
}

// HandlePaymentApproved resumes the payment-approval wait.
func (e *Engine) HandlePaymentApproved(ctx context.Context, evt roadside.PaymentApproved) error {
	return e.resumeSignal(ctx, evt.IncidentID, NodeWaitPaymentApproval,
		map[string]any{"payment_id": evt.PaymentID})
}

func (e *Engine) resumeSignal(ctx context.Context, incidentID string, node Node, payload map[string]any) error {
	err := e.waits.ResumeFor(ctx, incidentID, string(node), payload)
	if err == nil {
		return nil
	}
	if roadside.IsTokenConsumed(err) || roadside.IsNotFound(err) {
		e.logger.Debug("duplicate or stale resume ignored incident=%s node=%s", incidentID, node)
		return nil
	}
	if roadside.IsTokenExpired(err) {
		// The wait service delivered the timeout through OnExpire.
		e.logger.Debug("resume arrived past deadline incident=%s node=%s", incidentID, node)
		return nil
	}
	return err
}

// HandleCancellation records the driver's cancel request and, when the
// execution is parked, forces the terminal cancelled transition immediately.
// Running executions observe the flag at their next check step.
func (e *Engine) HandleCancellation(ctx context.Context, evt roadside.IncidentCancelled) error {
	_, err := e.update(ctx, evt.IncidentID, "", func(inc *roadside.Incident) error {
		inc.CancelRequested = true
		return nil
	})
	if err != nil {
		if roadside.IsNotFound(err) {
			return nil
		}
		return err
	}

	lock := e.lockFor(evt.IncidentID)
	lock.Lock()
	ec, err := e.execs.Load(ctx, evt.IncidentID)
	if err != nil || ec.Node.Terminal() || ec.WaitTokenID == "" {
		lock.Unlock()
		if err != nil && !roadside.IsNotFound(err) {
			return err
		}
		return nil
	}
	if err := e.waits.Revoke(ctx, evt.IncidentID); err != nil && !roadside.IsNotFound(err) {
		lock.Unlock()
		return err
	}
	ec.WaitTokenID = ""
	ec.Node = NodeCancelled
	if err := e.execs.Save(ctx, ec); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	e.run(ctx, evt.IncidentID)
	return nil
}

// OnWake implements wait.Handler for poll-style timers.
func (e *Engine) OnWake(ctx context.Context, tok wait.Token) {
	next, ok := wakeSuccessor[Node(tok.Node)]
	if !ok {
		e.logger.Error("wake for non-poll node incident=%s node=%s", tok.IncidentID, tok.Node)
		return
	}
	if !e.moveParked(ctx, tok, next, "") {
		return
	}
	e.run(ctx, tok.IncidentID)
}

// OnResume implements wait.Handler for consumed signal tokens.
func (e *Engine) OnResume(ctx context.Context, tok wait.Token, _ map[string]any) {
	next, ok := resumeSuccessor[Node(tok.Node)]
	if !ok {
		e.logger.Error("resume for non-signal node incident=%s node=%s", tok.IncidentID, tok.Node)
		return
	}
	if !e.moveParked(ctx, tok, next, "") {
		return
	}
	e.run(ctx, tok.IncidentID)
}

// OnExpire implements wait.Handler for signal tokens that timed out.
func (e *Engine) OnExpire(ctx context.Context, tok wait.Token) {
	var reason string
	switch Node(tok.Node) {
	case NodeWaitWorkCompletion:
		reason = "work completion timed out"
	case NodeWaitPaymentApproval:
		reason = "payment approval timed out"
	default:
		e.logger.Error("expiry for non-signal node incident=%s node=%s", tok.IncidentID, tok.Node)
		return
	}
	if !e.moveParked(ctx, tok, NodeEscalate, reason) {
		return
	}
	e.run(ctx, tok.IncidentID)
}

// moveParked transitions a parked execution to next after its wait resolved.
// Stale tokens (the execution moved on, or is parked on a newer wait) are
// dropped: the token store's single-use consume already arbitrated.
func (e *Engine) moveParked(ctx context.Context, tok wait.Token, next Node, escalationReason string) bool {
	lock := e.lockFor(tok.IncidentID)
	lock.Lock()
	defer lock.Unlock()

	ec, err := e.execs.Load(ctx, tok.IncidentID)
	if err != nil {
		e.logger.Error("wait resolution for unknown execution incident=%s err=%v", tok.IncidentID, err)
		return false
	}
	if ec.Node != Node(tok.Node) || ec.WaitTokenID != tok.ID {
		e.logger.Debug("stale wait resolution ignored incident=%s node=%s", tok.IncidentID, tok.Node)
		return false
	}
	if !CanStep(ec.Node, next) {
		e.logger.Error("illegal wait successor incident=%s from=%s to=%s", tok.IncidentID, ec.Node, next)
		return false
	}
	ec.WaitTokenID = ""
	ec.Node = next
	if escalationReason != "" {
		ec.EscalationReason = escalationReason
	}
	if err := e.execs.Save(ctx, ec); err != nil {
		e.logger.Error("persist wait resolution failed incident=%s err=%v", tok.IncidentID, err)
		return false
	}
	return true
}

// run steps the execution until it parks, terminates, or fails. Failures
// leave the execution where it was; recovery or the next event retries.
func (e *Engine) run(ctx context.Context, incidentID string) {
	for {
		_, outcome, err := e.Advance(ctx, incidentID)
		if err != nil {
			e.logger.Error("advance failed incident=%s err=%v", incidentID, err)
			return
		}
		if outcome != OutcomeAdvanced {
			if outcome != OutcomeParked {
				e.logger.Info("lifecycle finished incident=%s outcome=%s", incidentID, outcome)
			}
			return
		}
	}
}

// Advance executes exactly one machine step for the incident and persists
// the resulting continuation. Re-invoking Advance for the same context is
// safe: side effects are guarded by the effect ledger and record writes are
// conditional.
func (e *Engine) Advance(ctx context.Context, incidentID string) (*ExecContext, Outcome, error) {
	lock := e.lockFor(incidentID)
	lock.Lock()
	defer lock.Unlock()

	ec, err := e.execs.Load(ctx, incidentID)
	if err != nil {
		return nil, "", err
	}
	if ec.Finished {
		return ec, terminalOutcome(ec.Node), nil
	}
	if ec.WaitTokenID != "" {
		return ec, OutcomeParked, nil
	}

	logger := withLoggerFields(e.logger, map[string]any{
		"incident_id": incidentID,
		"node":        string(ec.Node),
		"attempt":     ec.Attempt,
	})

	next, parked, err := e.step(ctx, ec, logger)
	if err != nil {
		return nil, "", err
	}
	if parked {
		if err := e.execs.Save(ctx, ec); err != nil {
			return nil, "", err
		}
		logger.Debug("execution parked token=%s", ec.WaitTokenID)
		return ec, OutcomeParked, nil
	}
	if next != ec.Node && !CanStep(ec.Node, next) {
		return nil, "", roadside.WrapError(roadside.ErrInvalidTransition, "illegal machine step", nil,
			map[string]any{"incident_id": incidentID, "from": string(ec.Node), "to": string(next)})
	}
	prev := ec.Node
	ec.Node = next
	// A terminal node's own step has run once it returns itself.
	if next.Terminal() && next == prev {
		ec.Finished = true
	}
	if err := e.execs.Save(ctx, ec); err != nil {
		return nil, "", err
	}
	logger.Debug("stepped %s -> %s", prev, next)

	if ec.Finished {
		return ec, terminalOutcome(next), nil
	}
	return ec, OutcomeAdvanced, nil
}

func terminalOutcome(n Node) Outcome {
	switch n {
	case NodeIncidentClosed:
		return OutcomeClosed
	case NodeEscalationComplete:
		return OutcomeEscalated
	case NodeCancelled:
		return OutcomeCancelled
	}
	return OutcomeAdvanced
}

// Recover resumes after a process restart: re-arms durable waits, then
// drives every active execution that is not parked (it crashed mid-step).
func (e *Engine) Recover(ctx context.Context, recoverer interface {
	Recover(ctx context.Context) error
}) error {
	if recoverer != nil {
		if err := recoverer.Recover(ctx); err != nil {
			return err
		}
	}
	lister, ok := e.execs.(interface {
		Active(ctx context.Context) ([]*ExecContext, error)
	})
	if !ok {
		return nil
	}
	active, err := lister.Active(ctx)
	if err != nil {
		return err
	}
	for _, ec := range active {
		if ec.WaitTokenID != "" {
			continue
		}
		e.logger.Info("resuming execution after restart incident=%s node=%s", ec.IncidentID, ec.Node)
		e.run(ctx, ec.IncidentID)
	}
	return nil
}

// update applies a conditional record update, retrying once on a version
// conflict so a racing external write does not fail the whole step.
func (e *Engine) update(
	ctx context.Context,
	incidentID string,
	expected roadside.IncidentStatus,
	fn store.Mutator,
) (*roadside.Incident, error) {
	rec, err := e.records.ConditionalUpdate(ctx, incidentID, expected, fn)
	if err != nil && roadside.IsConflict(err) && expected == "" {
		rec, err = e.records.ConditionalUpdate(ctx, incidentID, expected, fn)
	}
	return rec, err
}
