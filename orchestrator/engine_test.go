package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/store"
	"github.com/goliatone/go-roadside/wait"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeWaits satisfies wait.Service with manually fired timers so tests
// control time instead of sleeping.
type fakeWaits struct {
	mu          sync.Mutex
	handler     wait.Handler
	seq         int
	outstanding map[string]*wait.Token
}

func newFakeWaits() *fakeWaits {
	return &fakeWaits{outstanding: make(map[string]*wait.Token)}
}

func (f *fakeWaits) issue(incidentID, node string, kind wait.Kind, after time.Duration) (*wait.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	tok := &wait.Token{
		ID:         fmt.Sprintf("tok-%d", f.seq),
		IncidentID: incidentID,
		Node:       node,
		Kind:       kind,
		ExpiresAt:  time.Now().Add(after),
	}
	f.outstanding[incidentID] = tok
	return tok, nil
}

func (f *fakeWaits) ScheduleWake(_ context.Context, incidentID, node string, after time.Duration) (*wait.Token, error) {
	return f.issue(incidentID, node, wait.KindWake, after)
}

func (f *fakeWaits) ParkForSignal(_ context.Context, incidentID, node string, timeout time.Duration) (*wait.Token, error) {
	return f.issue(incidentID, node, wait.KindSignal, timeout)
}

func (f *fakeWaits) Resume(ctx context.Context, tokenID string, payload map[string]any) error {
	f.mu.Lock()
	var found *wait.Token
	for _, tok := range f.outstanding {
		if tok.ID == tokenID {
			found = tok
		}
	}
	if found == nil {
		f.mu.Unlock()
		return roadside.WrapError(roadside.ErrNotFound, "wait token not found", nil, nil)
	}
	delete(f.outstanding, found.IncidentID)
	f.mu.Unlock()
	f.handler.OnResume(ctx, *found, payload)
	return nil
}

func (f *fakeWaits) ResumeFor(ctx context.Context, incidentID, node string, payload map[string]any) error {
	f.mu.Lock()
	tok, ok := f.outstanding[incidentID]
	if !ok || tok.Kind != wait.KindSignal || tok.Node != node {
		f.mu.Unlock()
		return roadside.WrapError(roadside.ErrNotFound, "no outstanding signal wait", nil,
			map[string]any{"incident_id": incidentID, "node": node})
	}
	delete(f.outstanding, incidentID)
	f.mu.Unlock()
	f.handler.OnResume(ctx, *tok, payload)
	return nil
}

func (f *fakeWaits) Revoke(_ context.Context, incidentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outstanding, incidentID)
	return nil
}

func (f *fakeWaits) pending(incidentID string) *wait.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding[incidentID]
}

// fireWake pops the outstanding wake token and delivers it.
func (f *fakeWaits) fireWake(t *testing.T, ctx context.Context, incidentID string) {
	t.Helper()
	f.mu.Lock()
	tok, ok := f.outstanding[incidentID]
	if !ok || tok.Kind != wait.KindWake {
		f.mu.Unlock()
		t.Fatalf("no outstanding wake for %s", incidentID)
	}
	delete(f.outstanding, incidentID)
	f.mu.Unlock()
	f.handler.OnWake(ctx, *tok)
}

// expire pops the outstanding signal token and delivers its timeout.
func (f *fakeWaits) expire(t *testing.T, ctx context.Context, incidentID string) {
	t.Helper()
	f.mu.Lock()
	tok, ok := f.outstanding[incidentID]
	if !ok || tok.Kind != wait.KindSignal {
		f.mu.Unlock()
		t.Fatalf("no outstanding signal wait for %s", incidentID)
	}
	delete(f.outstanding, incidentID)
	f.mu.Unlock()
	f.handler.OnExpire(ctx, *tok)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []roadside.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt roadside.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) byType(eventType string) []roadside.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []roadside.Event
	for _, evt := range p.events {
		if evt.Type() == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fakeMatcher struct {
	mu       sync.Mutex
	requests []roadside.MatchRequested
	fail     error
}

func (m *fakeMatcher) RequestMatch(_ context.Context, req roadside.MatchRequested) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.requests = append(m.requests, req)
	return nil
}

func (m *fakeMatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeNotifier struct {
	mu          sync.Mutex
	escalations []roadside.IncidentEscalated
}

func (n *fakeNotifier) NotifyEscalation(_ context.Context, esc roadside.IncidentEscalated) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, esc)
	return nil
}

type engineFixture struct {
	engine   *Engine
	records  *store.MemoryStore
	execs    *MemoryExecStore
	waits    *fakeWaits
	pub      *capturePublisher
	matcher  *fakeMatcher
	notifier *fakeNotifier
	clock    *fakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		records:  store.NewMemoryStore(),
		execs:    NewMemoryExecStore(),
		waits:    newFakeWaits(),
		pub:      &capturePublisher{},
		matcher:  &fakeMatcher{},
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}
	engine, err := New(fx.records, fx.execs, fx.waits, fx.pub, fx.matcher, fx.notifier,
		WithNow(fx.clock.Now),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fx.engine = engine
	fx.waits.handler = engine
	return fx
}

func (fx *engineFixture) start(t *testing.T, ctx context.Context, incidentID string) {
	t.Helper()
	err := fx.engine.HandleIncidentCreated(ctx, roadside.IncidentCreated{
		IncidentID: incidentID,
		DriverID:   "driver-1",
		Kind:       roadside.TypeTow,
		Location:   roadside.Location{Lat: 37.77, Lon: -122.42},
		CreatedAt:  fx.clock.Now(),
	})
	if err != nil {
		t.Fatalf("handle incident created: %v", err)
	}
}

func (fx *engineFixture) assignVendor(t *testing.T, ctx context.Context, incidentID, vendorID string) {
	t.Helper()
	_, err := fx.records.ConditionalUpdate(ctx, incidentID, "", func(inc *roadside.Incident) error {
		inc.AssignedVendorID = vendorID
		return nil
	})
	if err != nil {
		t.Fatalf("assign vendor: %v", err)
	}
}

func (fx *engineFixture) setStatus(t *testing.T, ctx context.Context, incidentID string, to roadside.IncidentStatus, actor string) {
	t.Helper()
	_, err := fx.records.ConditionalUpdate(ctx, incidentID, "", func(inc *roadside.Incident) error {
		if !inc.SetStatus(to, fx.clock.Now(), actor, "test update") {
			return fmt.Errorf("set status %s from %s", to, inc.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func (fx *engineFixture) incident(t *testing.T, ctx context.Context, incidentID string) *roadside.Incident {
	t.Helper()
	rec, err := fx.records.Get(ctx, incidentID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	return rec
}

func (fx *engineFixture) exec(t *testing.T, ctx context.Context, incidentID string) *ExecContext {
	t.Helper()
	ec, err := fx.execs.Load(ctx, incidentID)
	if err != nil {
		t.Fatalf("load execution: %v", err)
	}
	return ec
}

func requireNode(t *testing.T, ec *ExecContext, want Node) {
	t.Helper()
	if ec.Node != want {
		t.Fatalf("expected node %s, got %s", want, ec.Node)
	}
}

func TestEngineHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-happy"

	fx.start(t, ctx, id)

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitVendorResponse)
	if fx.matcher.count() != 1 {
		t.Fatalf("expected 1 match request, got %d", fx.matcher.count())
	}
	if tok := fx.waits.pending(id); tok == nil || tok.Kind != wait.KindWake {
		t.Fatalf("expected outstanding wake token")
	}

	fx.assignVendor(t, ctx, id, "vendor-7")
	fx.waits.fireWake(t, ctx, id)

	ec = fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitVendorArrival)
	if ec.VendorID != "vendor-7" {
		t.Fatalf("expected vendor-7 on execution, got %q", ec.VendorID)
	}
	if ec.AssignedAt == nil {
		t.Fatalf("expected assignment timestamp")
	}
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusVendorAssigned {
		t.Fatalf("expected vendor_assigned, got %s", rec.Status)
	}

	fx.setStatus(t, ctx, id, roadside.StatusVendorArrived, "vendor")
	fx.waits.fireWake(t, ctx, id)

	ec = fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitWorkCompletion)
	if tok := fx.waits.pending(id); tok == nil || tok.Kind != wait.KindSignal {
		t.Fatalf("expected outstanding signal wait for work completion")
	}

	if err := fx.engine.HandleWorkCompleted(ctx, roadside.WorkCompleted{IncidentID: id}); err != nil {
		t.Fatalf("handle work completed: %v", err)
	}

	ec = fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitPaymentApproval)
	rec = fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusPaymentPending {
		t.Fatalf("expected payment_pending, got %s", rec.Status)
	}

	if err := fx.engine.HandlePaymentApproved(ctx, roadside.PaymentApproved{IncidentID: id, PaymentID: "pay-1"}); err != nil {
		t.Fatalf("handle payment approved: %v", err)
	}

	ec = fx.exec(t, ctx, id)
	requireNode(t, ec, NodeIncidentClosed)
	if !ec.Finished {
		t.Fatalf("expected execution finished")
	}
	rec = fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusClosed {
		t.Fatalf("expected closed, got %s", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}

	wantOrder := []roadside.IncidentStatus{
		roadside.StatusVendorAssigned,
		roadside.StatusVendorArrived,
		roadside.StatusWorkCompleted,
		roadside.StatusPaymentPending,
		roadside.StatusClosed,
	}
	if len(rec.Timeline) != len(wantOrder) {
		t.Fatalf("expected %d timeline entries, got %d", len(wantOrder), len(rec.Timeline))
	}
	for i, want := range wantOrder {
		if rec.Timeline[i].To != want {
			t.Fatalf("timeline[%d]: expected %s, got %s", i, want, rec.Timeline[i].To)
		}
	}
}

func TestEngineRadiusExpansionThenEscalation(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-exhausted"

	fx.start(t, ctx, id)

	wantRadii := []float64{50, 62.5, 78.125}
	for round := 0; round < 3; round++ {
		fx.waits.fireWake(t, ctx, id)
	}

	fx.matcher.mu.Lock()
	got := append([]roadside.MatchRequested(nil), fx.matcher.requests...)
	fx.matcher.mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 match requests, got %d", len(got))
	}
	for i, req := range got {
		if math.Abs(req.RadiusMiles-wantRadii[i]) > 1e-9 {
			t.Fatalf("request %d: expected radius %.3f, got %.3f", i, wantRadii[i], req.RadiusMiles)
		}
		if req.Attempt != i+1 {
			t.Fatalf("request %d: expected attempt %d, got %d", i, i+1, req.Attempt)
		}
	}

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeEscalationComplete)
	if !ec.Finished {
		t.Fatalf("expected execution finished after escalation")
	}
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusEscalated {
		t.Fatalf("expected escalated, got %s", rec.Status)
	}
	if rec.EscalatedAt == nil {
		t.Fatalf("expected escalation timestamp")
	}

	fx.notifier.mu.Lock()
	defer fx.notifier.mu.Unlock()
	if len(fx.notifier.escalations) != 1 {
		t.Fatalf("expected exactly 1 escalation, got %d", len(fx.notifier.escalations))
	}
	esc := fx.notifier.escalations[0]
	if esc.Attempts != 3 || !esc.RequiresManualIntervention {
		t.Fatalf("unexpected escalation payload: %+v", esc)
	}
}

func TestEngineVendorArrivalTimeoutRestartsMatching(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-noshow"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-9")
	fx.waits.fireWake(t, ctx, id)

	requireNode(t, fx.exec(t, ctx, id), NodeWaitVendorArrival)

	fx.clock.Advance(31 * time.Minute)
	fx.waits.fireWake(t, ctx, id)

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitVendorResponse)
	if ec.Attempt != 1 || ec.VendorID != "" {
		t.Fatalf("expected fresh matching cycle, got attempt=%d vendor=%q", ec.Attempt, ec.VendorID)
	}

	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusCreated {
		t.Fatalf("expected reset to created, got %s", rec.Status)
	}
	if rec.AssignedVendorID != "" || rec.AssignedAt != nil {
		t.Fatalf("expected vendor cleared, got %q", rec.AssignedVendorID)
	}
	if math.Abs(rec.RadiusMiles-50) > 1e-9 {
		t.Fatalf("expected radius reset to 50, got %.3f", rec.RadiusMiles)
	}

	timeouts := fx.pub.byType(roadside.EventVendorTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("expected 1 vendor timeout event, got %d", len(timeouts))
	}
	evt := timeouts[0].(roadside.VendorTimeout)
	if evt.VendorID != "vendor-9" || evt.TimeoutType != roadside.TimeoutArrival {
		t.Fatalf("unexpected timeout event: %+v", evt)
	}
	if evt.ElapsedMinutes < 30 {
		t.Fatalf("expected >=30 elapsed minutes, got %d", evt.ElapsedMinutes)
	}

	retries := fx.pub.byType(roadside.EventIncidentCreated)
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry publication, got %d", len(retries))
	}
	if !retries[0].(roadside.IncidentCreated).IsRetry {
		t.Fatalf("expected retry flag on re-publication")
	}

	// The fresh cycle issued a new match request despite the attempt
	// counter restarting at 1.
	if fx.matcher.count() != 2 {
		t.Fatalf("expected 2 match requests across cycles, got %d", fx.matcher.count())
	}
}

func TestEngineDuplicateWorkCompletedIsIgnored(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-dup"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-3")
	fx.waits.fireWake(t, ctx, id)
	fx.setStatus(t, ctx, id, roadside.StatusVendorArrived, "vendor")
	fx.waits.fireWake(t, ctx, id)

	if err := fx.engine.HandleWorkCompleted(ctx, roadside.WorkCompleted{IncidentID: id}); err != nil {
		t.Fatalf("first work completed: %v", err)
	}
	if err := fx.engine.HandleWorkCompleted(ctx, roadside.WorkCompleted{IncidentID: id}); err != nil {
		t.Fatalf("duplicate work completed should be ignored, got %v", err)
	}

	rec := fx.incident(t, ctx, id)
	if n := rec.TransitionCount(roadside.StatusWorkCompleted, roadside.StatusPaymentPending); n != 1 {
		t.Fatalf("expected exactly 1 work_completed->payment_pending transition, got %d", n)
	}
	requireNode(t, fx.exec(t, ctx, id), NodeWaitPaymentApproval)
}

func TestEngineCancellationDuringResponseWait(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-cancel"

	fx.start(t, ctx, id)
	requireNode(t, fx.exec(t, ctx, id), NodeWaitVendorResponse)

	err := fx.engine.HandleCancellation(ctx, roadside.IncidentCancelled{
		IncidentID:  id,
		DriverID:    "driver-1",
		RequestedAt: fx.clock.Now(),
	})
	if err != nil {
		t.Fatalf("handle cancellation: %v", err)
	}

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeCancelled)
	if !ec.Finished {
		t.Fatalf("expected execution finished")
	}
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if tok := fx.waits.pending(id); tok != nil {
		t.Fatalf("expected waits revoked, found %s", tok.ID)
	}
	if fx.matcher.count() != 1 {
		t.Fatalf("expected no further match requests after cancel, got %d", fx.matcher.count())
	}
}

func TestEngineWorkCompletionExpiryEscalates(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-stalled"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-5")
	fx.waits.fireWake(t, ctx, id)
	fx.setStatus(t, ctx, id, roadside.StatusVendorArrived, "vendor")
	fx.waits.fireWake(t, ctx, id)

	requireNode(t, fx.exec(t, ctx, id), NodeWaitWorkCompletion)

	fx.waits.expire(t, ctx, id)

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeEscalationComplete)
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusEscalated {
		t.Fatalf("expected escalated, got %s", rec.Status)
	}

	fx.notifier.mu.Lock()
	defer fx.notifier.mu.Unlock()
	if len(fx.notifier.escalations) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(fx.notifier.escalations))
	}
	if reason := fx.notifier.escalations[0].Reason; reason != "work completion timed out" {
		t.Fatalf("unexpected escalation reason %q", reason)
	}
}

func TestEnginePaymentApprovalExpiryEscalates(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-unpaid"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-6")
	fx.waits.fireWake(t, ctx, id)
	fx.setStatus(t, ctx, id, roadside.StatusVendorArrived, "vendor")
	fx.waits.fireWake(t, ctx, id)
	if err := fx.engine.HandleWorkCompleted(ctx, roadside.WorkCompleted{IncidentID: id}); err != nil {
		t.Fatalf("handle work completed: %v", err)
	}

	requireNode(t, fx.exec(t, ctx, id), NodeWaitPaymentApproval)

	fx.waits.expire(t, ctx, id)

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeEscalationComplete)
	if !ec.Finished {
		t.Fatalf("expected execution finished after escalation")
	}
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusEscalated {
		t.Fatalf("expected escalated, got %s", rec.Status)
	}

	fx.notifier.mu.Lock()
	defer fx.notifier.mu.Unlock()
	if len(fx.notifier.escalations) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(fx.notifier.escalations))
	}
	if reason := fx.notifier.escalations[0].Reason; reason != "payment approval timed out" {
		t.Fatalf("unexpected escalation reason %q", reason)
	}
}

func TestEngineMatchingInfraFailureEntersErrorState(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	fx.matcher.fail = roadside.WrapError(roadside.ErrTransientInfra, "matcher unreachable", nil, nil)
	const id = "inc-broken"

	fx.start(t, ctx, id)

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeEscalationComplete)
	rec := fx.incident(t, ctx, id)
	if rec.Status != roadside.StatusEscalated {
		t.Fatalf("expected escalated, got %s", rec.Status)
	}
	if n := rec.TransitionCount(roadside.StatusCreated, roadside.StatusError); n != 1 {
		t.Fatalf("expected error state on the way to escalation, got %d transitions", n)
	}
}

func TestEngineDuplicateCreatedEventIsNoOp(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-redelivered"

	fx.start(t, ctx, id)
	fx.start(t, ctx, id)

	if fx.matcher.count() != 1 {
		t.Fatalf("expected duplicate created event ignored, got %d match requests", fx.matcher.count())
	}
	requireNode(t, fx.exec(t, ctx, id), NodeWaitVendorResponse)
}

func TestEngineCreatedRedeliveryAfterTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-late-retry"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-4")
	fx.waits.fireWake(t, ctx, id)
	fx.setStatus(t, ctx, id, roadside.StatusVendorArrived, "vendor")
	fx.waits.fireWake(t, ctx, id)
	if err := fx.engine.HandleWorkCompleted(ctx, roadside.WorkCompleted{IncidentID: id}); err != nil {
		t.Fatalf("handle work completed: %v", err)
	}
	if err := fx.engine.HandlePaymentApproved(ctx, roadside.PaymentApproved{IncidentID: id, PaymentID: "pay-2"}); err != nil {
		t.Fatalf("handle payment approved: %v", err)
	}
	requireNode(t, fx.exec(t, ctx, id), NodeIncidentClosed)

	// A retry publication stuck on the redelivery queue can land long after
	// the incident finished. It must not restart matching.
	err := fx.engine.HandleIncidentCreated(ctx, roadside.IncidentCreated{
		IncidentID: id,
		DriverID:   "driver-1",
		Kind:       roadside.TypeTow,
		IsRetry:    true,
		CreatedAt:  fx.clock.Now(),
	})
	if err != nil {
		t.Fatalf("redelivered created event: %v", err)
	}

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeIncidentClosed)
	if !ec.Finished {
		t.Fatalf("expected execution still finished")
	}
	if rec := fx.incident(t, ctx, id); rec.Status != roadside.StatusClosed {
		t.Fatalf("expected incident still closed, got %s", rec.Status)
	}
	if fx.matcher.count() != 1 {
		t.Fatalf("expected no new match requests, got %d", fx.matcher.count())
	}
	if tok := fx.waits.pending(id); tok != nil {
		t.Fatalf("expected no outstanding wait, found %s", tok.ID)
	}
}

func TestEngineOfferAcceptedWakesEarly(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-eager"

	fx.start(t, ctx, id)
	fx.assignVendor(t, ctx, id, "vendor-2")

	err := fx.engine.HandleOfferAccepted(ctx, roadside.OfferAccepted{IncidentID: id, VendorID: "vendor-2"})
	if err != nil {
		t.Fatalf("handle offer accepted: %v", err)
	}

	ec := fx.exec(t, ctx, id)
	requireNode(t, ec, NodeWaitVendorArrival)
	if ec.VendorID != "vendor-2" {
		t.Fatalf("expected vendor-2, got %q", ec.VendorID)
	}
}

func TestEngineAdvanceIdempotentWhileParked(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-parked"

	fx.start(t, ctx, id)

	for i := 0; i < 3; i++ {
		ec, outcome, err := fx.engine.Advance(ctx, id)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if outcome != OutcomeParked {
			t.Fatalf("advance %d: expected parked, got %s", i, outcome)
		}
		requireNode(t, ec, NodeWaitVendorResponse)
	}
	if fx.matcher.count() != 1 {
		t.Fatalf("expected no duplicate match requests, got %d", fx.matcher.count())
	}
}

func TestEngineRecoverResumesUnparkedExecution(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)
	const id = "inc-crashed"

	// Simulate a crash after the execution row landed but before any step
	// ran: record plus execution exist, no wait outstanding.
	err := fx.records.Create(ctx, &roadside.Incident{
		ID:          id,
		DriverID:    "driver-1",
		Type:        roadside.TypeBattery,
		Status:      roadside.StatusCreated,
		Attempt:     1,
		RadiusMiles: 50,
		CreatedAt:   fx.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := fx.execs.Save(ctx, &ExecContext{IncidentID: id, Node: NodeInitialize}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	if err := fx.engine.Recover(ctx, nil); err != nil {
		t.Fatalf("recover: %v", err)
	}

	requireNode(t, fx.exec(t, ctx, id), NodeWaitVendorResponse)
	if fx.matcher.count() != 1 {
		t.Fatalf("expected recovery to resume matching, got %d requests", fx.matcher.count())
	}
}
