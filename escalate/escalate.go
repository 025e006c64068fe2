// Package escalate delivers incidents the orchestrator gave up on to a
// human dispatcher queue. Delivery is retried; the escalation event is also
// published so downstream consumers see it even when the sink is down.
package escalate

import (
	"context"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/runner"
)

// Publisher is where escalation events go. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt roadside.Event) error
}

// Sink is the dispatcher-facing delivery target: a ticket queue, a pager, a
// webhook. Receivers dedupe on incident id plus attempt count.
type Sink interface {
	Deliver(ctx context.Context, esc roadside.IncidentEscalated) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, esc roadside.IncidentEscalated) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, esc roadside.IncidentEscalated) error {
	return f(ctx, esc)
}

// Logger is the minimal logging surface the notifier needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Notifier publishes the escalation event and pushes it at the sink with a
// bounded retry budget.
type Notifier struct {
	pub    Publisher
	sink   Sink
	runner *runner.Handler
	logger Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSink sets the dispatcher delivery target. Without one, escalations
// are publish-only.
func WithSink(s Sink) Option {
	return func(n *Notifier) { n.sink = s }
}

// WithLogger sets the notifier logger.
func WithLogger(l Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithRunner replaces the retry handler. Test hook.
func WithRunner(h *runner.Handler) Option {
	return func(n *Notifier) {
		if h != nil {
			n.runner = h
		}
	}
}

// NewNotifier builds a Notifier. Defaults: 3 delivery attempts with
// exponential backoff starting at 500ms.
func NewNotifier(pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		pub: pub,
		runner: runner.NewHandler(
			runner.WithMaxRetries(2),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
				Base:   500 * time.Millisecond,
				Factor: 2,
				Max:    10 * time.Second,
			}),
		),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// NotifyEscalation implements the orchestrator's EscalationNotifier
// contract. The event publication happens first so the escalation is on the
// wire even if the sink never comes back.
func (n *Notifier) NotifyEscalation(ctx context.Context, esc roadside.IncidentEscalated) error {
	if err := esc.Validate(); err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, esc); err != nil {
		if n.logger != nil {
			n.logger.Error("escalation publish failed incident=%s err=%v", esc.IncidentID, err)
		}
	}
	if n.sink == nil {
		return nil
	}
	err := n.runner.Run(ctx, func(ctx context.Context) error {
		return n.sink.Deliver(ctx, esc)
	})
	if err != nil {
		return roadside.WrapError(roadside.ErrTerminalEscalation, "escalation delivery failed", err,
			map[string]any{"incident_id": esc.IncidentID, "attempts": esc.Attempts})
	}
	if n.logger != nil {
		n.logger.Warn("incident escalated to dispatcher incident=%s reason=%s", esc.IncidentID, esc.Reason)
	}
	return nil
}
