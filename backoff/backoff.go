// Package backoff provides cancellable waits for retry loops.
package backoff

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep returns ctx.Err() if the context ends before d elapses.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy is a fixed-delay retry budget.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Retry calls fn up to p.Attempts times, sleeping p.Delay between attempts.
// fn receives the 1-based attempt number. The last error is returned when
// the budget runs out; a cancelled sleep returns the context error.
func Retry(ctx context.Context, s Sleeper, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if sleepErr := s.Sleep(ctx, p.Delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
