package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mirelk/stepflow/pkg/schema"
)

// Retry pacing between failed attempts.
const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// backoffDelay returns the exponential delay before re-attempting after
// the given failed attempt number (1-based), capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// waitForRetry sleeps the backoff delay for the given attempt, returning a
// CANCELLED error if the context ends first.
func waitForRetry(ctx context.Context, attempt int) error {
	timer := time.NewTimer(backoffDelay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return cancelledError(ctx)
	}
}

// isTimeout reports whether err is a step timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.Code == schema.ErrCodeTimeout
	}
	return false
}

// isCancelled reports whether err stems from cooperative cancellation.
func isCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.Code == schema.ErrCodeCancelled
	}
	return false
}

func cancelledError(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
}
