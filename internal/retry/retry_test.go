package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Time{}
}
func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func TestPolicyNext(t *testing.T) {
	cases := []struct {
		name    string
		p       Policy
		attempt int
		elapsed time.Duration
		retry   bool
		delay   time.Duration
	}{
		{"fixed first", Fixed(5 * time.Second), 1, 0, true, 5 * time.Second},
		{"fixed forever", Fixed(5 * time.Second), 10000, 100 * time.Hour, true, 5 * time.Second},
		{"exponential third", Policy{Initial: time.Second, Multiplier: 2}, 3, 0, true, 4 * time.Second},
		{"exponential capped", Policy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}, 8, 0, true, 10 * time.Second},
		{"attempt budget", Policy{Initial: time.Second, MaxAttempts: 3}, 3, 0, false, 0},
		{"attempt budget not yet", Policy{Initial: time.Second, MaxAttempts: 3}, 2, 0, true, time.Second},
		{"elapsed budget", Policy{Initial: time.Second, MaxElapsed: time.Minute}, 1, time.Minute, false, 0},
		{"zero attempt clamps", Fixed(time.Second), 0, 0, true, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, delay := tc.p.Next(tc.attempt, tc.elapsed)
			if retry != tc.retry || delay != tc.delay {
				t.Fatalf("Next(%d, %s) = (%v, %s), want (%v, %s)",
					tc.attempt, tc.elapsed, retry, delay, tc.retry, tc.delay)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{}).Validate(); err == nil {
		t.Fatalf("expected error for zero initial delay")
	}
	if err := (Policy{Initial: time.Second, MaxAttempts: -1}).Validate(); err == nil {
		t.Fatalf("expected error for negative budget")
	}
	if err := Fixed(time.Second).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	timer := newRecordingTimer()
	var notified []int
	r := &Runner{
		Policy: Fixed(5 * time.Second),
		Timer:  timer,
		Notify: func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) },
	}
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if len(timer.waits) != 3 {
		t.Fatalf("expected 3 waits, got %v", timer.waits)
	}
	for _, w := range timer.waits {
		if w != 5*time.Second {
			t.Fatalf("expected 5s waits, got %v", timer.waits)
		}
	}
	if len(notified) != 3 || notified[0] != 1 || notified[2] != 3 {
		t.Fatalf("unexpected notify attempts: %v", notified)
	}
}

func TestRunnerStopsOnBudget(t *testing.T) {
	r := &Runner{
		Policy: Policy{Initial: time.Millisecond, MaxAttempts: 2},
		Timer:  newRecordingTimer(),
	}
	boom := errors.New("refused")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, ErrBudgetExhausted) || !errors.Is(err, boom) {
		t.Fatalf("expected budget error wrapping the last failure, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRunnerHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Policy: Fixed(time.Millisecond), Timer: newRecordingTimer()}
	err := r.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
