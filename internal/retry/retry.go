// Package retry provides the bounded retry combinator shared by the
// ingestion start and restart paths.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retried operation: at most Attempts tries with a fixed
// Delay between them. OnRetry, when set, observes each failed attempt
// before the next delay.
type Policy struct {
	Attempts int
	Delay    time.Duration
	OnRetry  func(attempt int, err error)
}

// Do runs op until it succeeds, the policy is exhausted, or the context is
// cancelled. The returned error wraps the last failure with the attempt
// count; context cancellation wins over further attempts.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		if attempt == p.Attempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
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

// Sleep waits for d unless the context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
