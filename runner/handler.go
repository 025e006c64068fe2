// Package runner wraps side-effecting calls with bounded retries, backoff,
// and timeouts. The bus and the external-collaborator adapters (match
// trigger, escalation notifier) build on it for their at-least-once and
// retry-3x contracts.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
)

// Logger is the minimal logging surface the runner needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds each attempt (not the whole run).
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) { h.timeout = t }
}

// WithMaxRetries sets how many times a failed attempt is retried.
func WithMaxRetries(max int) Option {
	return func(h *Handler) { h.maxRetries = max }
}

// WithRetryStrategy sets the delay policy between attempts.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) { h.retryStrategy = s }
}

// WithErrorHandler observes each failed attempt.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

// WithLogger sets the runner logger.
func WithLogger(l Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithRetryClassifier restricts which errors are retried. When nil, every
// error is retried. The orchestrator installs roadside.IsTransient here so
// conflicts and validation failures do not burn retry budget.
func WithRetryClassifier(fn func(error) bool) Option {
	return func(h *Handler) { h.retryable = fn }
}

// Handler executes a function with the configured retry policy.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryable     func(error) bool

	runs       int
	maxRetries int
	timeout    time.Duration
}

// NewHandler builds a Handler, applying defaults for anything unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Runs returns how many complete run cycles (including retries) finished.
func (h *Handler) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Run executes fn, retrying failures per the configured policy. The returned
// error is the last attempt's error after the budget is exhausted, wrapped
// with attempt metadata.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	retryable := h.retryable
	h.mu.Unlock()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			break
		}
		if retryable != nil && !retryable(err) {
			break
		}
		if attempt >= maxRetries {
			break
		}

		h.errorHandler(roadside.WrapError(roadside.ErrTransientInfra,
			fmt.Sprintf("attempt %d of %d failed", attempt+1, maxRetries+1), err, nil))
		h.logAttempt(attempt, err)

		if strategy != nil {
			if waitErr := sleep(ctx, strategy.SleepDuration(attempt, err)); waitErr != nil {
				err = waitErr
				break
			}
		}
	}

	h.mu.Lock()
	h.runs++
	h.mu.Unlock()

	if err != nil {
		finalErr := roadside.WrapError(roadside.ErrTransientInfra,
			fmt.Sprintf("failed after %d attempts", maxRetries+1), err, nil)
		h.errorHandler(finalErr)
		return finalErr
	}
	return nil
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (h *Handler) logAttempt(attempt int, err error) {
	if h.logger != nil {
		h.logger.Error("retryable failure attempt=%d err=%v", attempt+1, err)
	}
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
