// Package retry provides context-aware backoff used by the API orchestrator
// and the store's batch writer.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes how long to wait between attempts.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Initial     time.Duration // delay before the second attempt
	Max         time.Duration // cap on any single delay
	Jitter      bool          // spread each delay by up to ±25%
}

// Delay returns the wait before attempt n+1, where n counts failed attempts from 0.
// The delay doubles per attempt and never exceeds Max.
func (p Policy) Delay(n int) time.Duration {
	d := p.Initial
	for i := 0; i < n && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter && d > 0 {
		if q := int64(d) / 4; q > 0 {
			j := time.Duration(rand.Int64N(q))
			if rand.IntN(2) == 0 {
				d += j
			} else {
				d -= j
			}
		}
	}
	return d
}

// Sleeper waits for d or until ctx is done. Tests swap in an instant sleeper.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as permanent so Do returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do calls fn until it succeeds, returns a Stop error, the context ends or
// the policy's attempts run out. It returns the last error.
func Do(ctx context.Context, p Policy, sleep Sleeper, fn func(attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(attempt)
		if last == nil {
			return nil
		}
		var stop *stopError
		if errors.As(last, &stop) {
			return stop.err
		}
		if attempt < attempts-1 {
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return last
}
