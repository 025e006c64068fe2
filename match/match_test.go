package match

import (
	"context"
	"sync"
	"testing"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/runner"
)

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	events   []roadside.Event
}

func (p *flakyPublisher) Publish(_ context.Context, evt roadside.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return roadside.WrapError(roadside.ErrTransientInfra, "broker down", nil, nil)
	}
	p.events = append(p.events, evt)
	return nil
}

func validRequest() roadside.MatchRequested {
	return roadside.MatchRequested{
		IncidentID:  "inc-1",
		DriverID:    "driver-1",
		Kind:        roadside.TypeTow,
		RadiusMiles: 50,
		Attempt:     1,
		RequestedAt: time.Now().UTC(),
	}
}

func fastRunner() *runner.Handler {
	return runner.NewHandler(runner.WithMaxRetries(2))
}

func TestRequestMatchPublishes(t *testing.T) {
	pub := &flakyPublisher{}
	trigger := NewTrigger(pub, WithRunner(fastRunner()))

	if err := trigger.RequestMatch(context.Background(), validRequest()); err != nil {
		t.Fatalf("request match: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published request, got %d", len(pub.events))
	}
}

func TestRequestMatchRetriesTransientFailures(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	trigger := NewTrigger(pub, WithRunner(fastRunner()))

	if err := trigger.RequestMatch(context.Background(), validRequest()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected exactly 1 successful publication, got %d", len(pub.events))
	}
}

func TestRequestMatchSurfacesExhaustion(t *testing.T) {
	pub := &flakyPublisher{failures: 10}
	trigger := NewTrigger(pub, WithRunner(fastRunner()))

	err := trigger.RequestMatch(context.Background(), validRequest())
	if err == nil {
		t.Fatalf("expected error after retry budget exhausted")
	}
	if !roadside.IsTransient(err) {
		t.Fatalf("exhaustion must carry the transient code, got %v", err)
	}
}

func TestRequestMatchRejectsInvalidRequest(t *testing.T) {
	pub := &flakyPublisher{}
	trigger := NewTrigger(pub, WithRunner(fastRunner()))

	req := validRequest()
	req.Attempt = 0
	if err := trigger.RequestMatch(context.Background(), req); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(pub.events) != 0 {
		t.Fatalf("invalid request must not publish")
	}
}
