package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// retryable reports whether err is a transient transport/server/timeout-class
// failure worth retrying. A JSON-RPC error response is a definitive answer and
// is never retried; neither are connection-level failures, which the liveness
// monitor handles, nor validation failures.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status != 0
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Between attempts it sleeps with exponential
// backoff and jitter, without holding any connection lock.
func withRetry(
	ctx context.Context,
	logger *slog.Logger,
	op string,
	maxRetries int,
	fn func(context.Context) (json.RawMessage, error),
) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(defaultRetryBaseDelay, defaultRetryMaxDelay, attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			logger.Debug("retrying request",
				slog.String("method", op),
				slog.Int("attempt", attempt))
		}

		raw, err := fn(ctx)
		if err == nil {
			return raw, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

var (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// backoffDelay computes base * 2^attempt capped at max, with ±25% jitter so
// simultaneous reconnecting clients spread out.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
