package worker

import (
	"context"
	"math/rand"
	"time"
)

// backoff describes how a flaky side effect is retried. The delay doubles
// after each failed attempt and gets up to 50% random jitter on top.
type backoff struct {
	attempts  int
	baseDelay time.Duration
	// onRetry, when set, sees every failure that will be retried.
	onRetry func(attempt int, err error, wait time.Duration)
}

// do calls fn until it succeeds, the attempts run out or ctx ends, and
// returns the last error.
func (b backoff) do(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := b.baseDelay
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == b.attempts || ctx.Err() != nil {
			break
		}
		wait := delay
		if half := int64(delay / 2); half > 0 {
			wait += time.Duration(rand.Int63n(half))
		}
		if b.onRetry != nil {
			b.onRetry(attempt, lastErr, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
		delay *= 2
	}
	return lastErr
}
