// Package match is the outbound boundary to the vendor matching service.
// The orchestrator only ever asks it to start one search round; acceptance
// comes back through the record store, written by the matcher itself.
package match

import (
	"context"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/runner"
)

// Publisher is where match requests go. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt roadside.Event) error
}

// Logger is the minimal logging surface the trigger needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Trigger publishes match requests with a bounded retry budget. A request
// that still fails after the budget surfaces as an error so the caller can
// route the incident into its failure path.
type Trigger struct {
	pub    Publisher
	runner *runner.Handler
	logger Logger
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the trigger logger.
func WithLogger(l Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRunner replaces the retry handler. Test hook.
func WithRunner(h *runner.Handler) Option {
	return func(t *Trigger) {
		if h != nil {
			t.runner = h
		}
	}
}

// NewTrigger builds a Trigger over the publisher. Defaults: 3 attempts with
// exponential backoff starting at 250ms.
func NewTrigger(pub Publisher, opts ...Option) *Trigger {
	t := &Trigger{
		pub: pub,
		runner: runner.NewHandler(
			runner.WithMaxRetries(2),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
				Base:   250 * time.Millisecond,
				Factor: 2,
				Max:    5 * time.Second,
			}),
		),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RequestMatch implements the orchestrator's MatchRequester contract. The
// receiving matcher dedupes on incident id plus attempt, so retried
// publications are harmless.
func (t *Trigger) RequestMatch(ctx context.Context, req roadside.MatchRequested) error {
	if err := req.Validate(); err != nil {
		return err
	}
	err := t.runner.Run(ctx, func(ctx context.Context) error {
		return t.pub.Publish(ctx, req)
	})
	if err != nil {
		if t.logger != nil {
			t.logger.Error("match request exhausted retries incident=%s attempt=%d err=%v",
				req.IncidentID, req.Attempt, err)
		}
		return roadside.WrapError(roadside.ErrTransientInfra, "match request failed", err,
			map[string]any{"incident_id": req.IncidentID, "attempt": req.Attempt})
	}
	if t.logger != nil {
		t.logger.Info("match request published incident=%s radius=%.1f attempt=%d",
			req.IncidentID, req.RadiusMiles, req.Attempt)
	}
	return nil
}
