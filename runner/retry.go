package runner

import (
	"math"
	"time"
)

// RetryStrategy decides how long to wait before the next retry attempt.
type RetryStrategy interface {
	// SleepDuration returns the delay before retrying. The attempt index
	// starts at 0 and increments after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately. Used in tests and for in-process
// deliveries where backoff buys nothing.
type NoDelayStrategy struct{}

// SleepDuration always returns zero.
func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay geometrically, capped at Max.
//
//	ExponentialBackoffStrategy{Base: 250 * time.Millisecond, Factor: 2, Max: 10 * time.Second}
//
// yields 250ms, 500ms, 1s, ... up to 10s.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// SleepDuration implements exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if e.Max > 0 && time.Duration(delay) > e.Max {
		return e.Max
	}
	return time.Duration(delay)
}
