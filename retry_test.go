package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transport error", &TransportError{Message: "bad json"}, true},
		{"http status server error", &ServerError{Status: 503, Message: "unavailable"}, true},
		{"json-rpc server error", &ServerError{Code: -32601, Message: "method not found"}, false},
		{"connection error", &ConnectionError{Message: "dial failed"}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.want {
				t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	raw, err := withRetry(context.Background(), testLogger(), "tools/list", 2,
		func(context.Context) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, &TransportError{Message: "flaky"}
			}
			return json.RawMessage(`{}`), nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("unexpected result %s", raw)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryDefinitiveErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), testLogger(), "tools/call", 3,
		func(context.Context) (json.RawMessage, error) {
			calls++
			return nil, &ServerError{Code: -32602, Message: "invalid params"}
		})

	var se *ServerError
	if !errors.As(err, &se) || se.Code != -32602 {
		t.Fatalf("expected the server error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestWithRetryBudgetExhausted(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), testLogger(), "ping", 1,
		func(context.Context) (json.RawMessage, error) {
			calls++
			return nil, &TransportError{Message: "still broken"}
		})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (initial + 1 retry), got %d", calls)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(base, max, attempt)
		// Doubling from base, capped at max, then ±25% jitter.
		ideal := base << attempt
		if ideal > max || ideal <= 0 {
			ideal = max
		}
		lo := time.Duration(float64(ideal) * 0.75)
		hi := time.Duration(float64(ideal) * 1.25)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
}
