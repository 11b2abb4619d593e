// Package retry turns a retry policy into a pure decision function and runs
// operations against it through cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBudgetExhausted is returned by Do when the policy stops retrying.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy decides whether to retry after a failure and how long to wait.
// Zero MaxAttempts and zero MaxElapsed mean no limit.
type Policy struct {
	Initial     time.Duration `yaml:"initial"`
	Multiplier  float64       `yaml:"multiplier"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// Fixed waits d between attempts, forever.
func Fixed(d time.Duration) Policy {
	return Policy{Initial: d, Multiplier: 1}
}

// Next is called after the attempt-th consecutive failure (1-based), elapsed
// since the first attempt started.
func (p Policy) Next(attempt int, elapsed time.Duration) (bool, time.Duration) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false, 0
	}
	if p.MaxElapsed > 0 && elapsed >= p.MaxElapsed {
		return false, 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return true, time.Duration(d)
}

func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("retry initial delay must be positive, got %s", p.Initial)
	}
	if p.MaxAttempts < 0 || p.MaxElapsed < 0 {
		return errors.New("retry budget must not be negative")
	}
	return nil
}

// policyBackOff adapts a Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	now     func() time.Time
	start   time.Time
	attempt int
}

var _ backoff.BackOff = (*policyBackOff)(nil)

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.start = b.now()
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	ok, d := b.policy.Next(b.attempt, b.now().Sub(b.start))
	if !ok {
		return backoff.Stop
	}
	return d
}

// Runner executes operations under a policy. Timer and Now are swappable so
// tests run without sleeping.
type Runner struct {
	Policy Policy
	Timer  backoff.Timer
	Now    func() time.Time
	// Notify is called before each wait with the failure and the delay.
	Notify func(attempt int, err error, delay time.Duration)
}

// Do runs op until it succeeds, ctx ends or the policy gives up. The final
// error wraps ErrBudgetExhausted and the last failure.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context) error) error {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	b := &policyBackOff{policy: r.Policy, now: now}
	attempt := 0
	err := backoff.RetryNotifyWithTimer(
		func() error {
			attempt++
			return op(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			if r.Notify != nil {
				r.Notify(attempt, err, d)
			}
		},
		r.Timer,
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err)
}
