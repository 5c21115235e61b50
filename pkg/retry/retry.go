// Package retry provides the exponential backoff policy threaded through
// the hybrid transport and the adapters. One Policy object expresses
// per-call retry behavior everywhere; the hybrid layer owns the total
// budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Jitter needs its own locked source; the global one is shared.
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// PermanentError marks a failure that must not be retried regardless of
// remaining budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether an error is marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy configures exponential backoff.
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // growth factor, typically 2.0
	AddJitter    bool          // up to 25% random extra delay
}

// DefaultPolicy returns the framework default backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Probing returns a tight policy for capability detection probes.
func Probing() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// normalize fills zero fields with defaults and bounds the multiplier.
func (p Policy) normalize() (Policy, error) {
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.Multiplier < 0 {
		return p, errors.New("retry: negative policy field")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	if p.Multiplier > 100 {
		p.Multiplier = 100
	}
	if p.MaxDelay < p.InitialDelay {
		return p, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return p, nil
}

// Delay returns the backoff before attempt n (1-based; attempt 1 has no
// delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.InitialDelay
	for i := 2; i < attempt; i++ {
		next := float64(delay) * p.Multiplier
		if next >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		delay = time.Duration(next)
	}
	return delay
}

// Do executes fn under the policy. It stops on success, on a permanent
// error, on context cancellation, or when attempts are exhausted. The
// attempts return value counts calls actually made.
func Do(ctx context.Context, p Policy, fn func() error) (attempts int, err error) {
	p, err = p.normalize()
	if err != nil {
		return 0, err
	}

	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = fn()
		if lastErr == nil {
			return attempts, nil
		}
		if IsPermanent(lastErr) {
			return attempts, lastErr
		}
		if ctx.Err() != nil {
			return attempts, fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.AddJitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * p.Multiplier
		if next > float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return attempts, fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, int, error) {
	var result T
	attempts, err := Do(ctx, p, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, attempts, err
}
