package bus

import (
	"context"
	"sync/atomic"

	roadside "github.com/goliatone/go-roadside"
	"github.com/goliatone/go-roadside/runner"
)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Topic returns the event type the subscription is bound to.
	Topic() string
	// Unsubscribe removes the handler; queued redeliveries are dropped.
	Unsubscribe()
}

type subscription struct {
	bus     *Bus
	topic   string
	runner  *runner.Handler
	deliver func(context.Context, roadside.Event) error
	done    atomic.Bool
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() {
	if s.done.CompareAndSwap(false, true) {
		s.bus.remove(s)
	}
}

func (s *subscription) closed() bool { return s.done.Load() }
