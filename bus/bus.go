// Package bus is the in-process domain event bus. Delivery is at-least-once:
// a failed handler delivery is parked on a redelivery queue and retried with
// backoff until it succeeds or exhausts its budget and is dead-lettered.
// Handlers must therefore tolerate duplicates; the orchestrator does so by
// re-deriving truth from the record store and by single-use wait tokens.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/runner"
)

// Logger is the minimal logging surface the bus needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Bus routes events to typed subscribers keyed by Event.Type().
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription

	logger Logger

	queueMu    sync.Mutex
	queue      []*pendingDelivery
	deadLetter []*pendingDelivery

	redeliverEvery  time.Duration
	maxRedeliveries int
	wake            chan struct{}
}

type pendingDelivery struct {
	Event    roadside.Event
	Sub      *subscription
	Attempts int
	NextAt   time.Time
	LastErr  string
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithRedeliveryInterval sets how often the redelivery loop scans the queue.
func WithRedeliveryInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.redeliverEvery = d
		}
	}
}

// WithMaxRedeliveries bounds redelivery attempts before dead-lettering.
func WithMaxRedeliveries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxRedeliveries = n
		}
	}
}

// New constructs an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:        make(map[string][]*subscription),
		redeliverEvery:  time.Second,
		maxRedeliveries: 5,
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a typed handler for T's event type. Runner options
// control per-delivery retry behavior.
func Subscribe[T roadside.Event](b *Bus, fn func(context.Context, T) error, opts ...runner.Option) Subscription {
	var zero T
	sub := &subscription{
		bus:     b,
		topic:   zero.Type(),
		runner:  runner.NewHandler(opts...),
		deliver: wrapHandler(fn),
	}

	b.mu.Lock()
	b.handlers[sub.topic] = append(b.handlers[sub.topic], sub)
	b.mu.Unlock()
	return sub
}

func wrapHandler[T roadside.Event](fn func(context.Context, T) error) func(context.Context, roadside.Event) error {
	return func(ctx context.Context, evt roadside.Event) error {
		typed, ok := evt.(T)
		if !ok {
			return roadside.WrapError(roadside.ErrTransientInfra, "event payload type mismatch", nil,
				map[string]any{"topic": evt.Type()})
		}
		return fn(ctx, typed)
	}
}

// Publish validates the event and delivers it to every subscriber. Failed
// deliveries are queued for redelivery; the joined first-pass errors are
// returned so synchronous callers can react, but the event is not lost.
func (b *Bus) Publish(ctx context.Context, evt roadside.Event) error {
	if evt == nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "nil event", nil, nil)
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[evt.Type()]...)
	b.mu.RUnlock()

	var errs error
	for _, sub := range subs {
		if sub.closed() {
			continue
		}
		if err := sub.runner.Run(ctx, func(ctx context.Context) error {
			return sub.deliver(ctx, evt)
		}); err != nil {
			errs = errors.Join(errs, err)
			b.park(evt, sub, err)
		}
	}
	return errs
}

// park enqueues a failed delivery for the background redelivery loop.
func (b *Bus) park(evt roadside.Event, sub *subscription, err error) {
	b.queueMu.Lock()
	b.queue = append(b.queue, &pendingDelivery{
		Event:    evt,
		Sub:      sub,
		Attempts: 1,
		NextAt:   time.Now().Add(b.redeliverEvery),
		LastErr:  err.Error(),
	})
	b.queueMu.Unlock()
	if b.logger != nil {
		b.logger.Warn("delivery parked for redelivery topic=%s err=%v", evt.Type(), err)
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run drives the redelivery loop until ctx is done. Call in a goroutine.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.redeliverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wake:
		}
		b.redeliverDue(ctx)
	}
}

func (b *Bus) redeliverDue(ctx context.Context) {
	now := time.Now()

	b.queueMu.Lock()
	var due, rest []*pendingDelivery
	for _, p := range b.queue {
		if p.NextAt.After(now) {
			rest = append(rest, p)
			continue
		}
		due = append(due, p)
	}
	b.queue = rest
	b.queueMu.Unlock()

	for _, p := range due {
		if p.Sub.closed() {
			continue
		}
		err := p.Sub.deliver(ctx, p.Event)
		if err == nil {
			continue
		}
		p.Attempts++
		p.LastErr = err.Error()
		if p.Attempts > b.maxRedeliveries {
			b.queueMu.Lock()
			b.deadLetter = append(b.deadLetter, p)
			b.queueMu.Unlock()
			if b.logger != nil {
				b.logger.Error("delivery dead-lettered topic=%s attempts=%d err=%v",
					p.Event.Type(), p.Attempts, err)
			}
			continue
		}
		p.NextAt = now.Add(b.redeliverEvery * time.Duration(p.Attempts))
		b.queueMu.Lock()
		b.queue = append(b.queue, p)
		b.queueMu.Unlock()
	}
}

// PendingRedeliveries returns the current redelivery queue depth.
func (b *Bus) PendingRedeliveries() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// DeadLetters returns a snapshot of dead-lettered deliveries for inspection.
func (b *Bus) DeadLetters() []string {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	out := make([]string, 0, len(b.deadLetter))
	for _, p := range b.deadLetter {
		out = append(out, fmt.Sprintf("%s attempts=%d err=%s", p.Event.Type(), p.Attempts, p.LastErr))
	}
	return out
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
