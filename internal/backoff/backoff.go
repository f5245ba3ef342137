// Package backoff provides the bounded exponential retry policy used by
// the polling loops (proof search, inbound message wait, receipt wait).
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Policy is an explicit retry schedule: MaxAttempts tries, delays starting
// at BaseDelay and multiplying by Multiplier up to MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Sleep is injectable for tests. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: MaxAttempts must be > 0", ErrInvalidPolicy)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%w: BaseDelay must be > 0", ErrInvalidPolicy)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: Multiplier must be >= 1", ErrInvalidPolicy)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: MaxDelay must be >= BaseDelay", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns the delay scheduled after attempt i (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts.
// fn returning (true, nil) stops with success; (false, nil) schedules the
// next attempt; a non-nil error aborts immediately. Exhausting all
// attempts without success returns ErrExhausted. Context cancellation
// stops the loop between attempts; no timer outlives the context.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context, attempt int) (done bool, err error)) error {
	if err := p.validate(); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: nil retry func", ErrInvalidPolicy)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepCtx
	}

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, p.MaxAttempts)
}

var ErrExhausted = errors.New("backoff: attempts exhausted")

// SleepCtx sleeps for d or until the context is cancelled.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
