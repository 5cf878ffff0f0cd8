package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Error kinds distinguish what went wrong on the wire so callers can decide
// whether the failure is transient and how to map it to a client status.
const (
	KindConnect   = "connect"   // dial or TLS failure before any response bytes
	KindTimeout   = "timeout"   // deadline exceeded waiting for headers or body
	KindCancelled = "cancelled" // caller abandoned the request
)

// ErrUnknownProvider is returned when Dispatch is asked for a provider the
// pool has no entry for.
var ErrUnknownProvider = errors.New("unknown provider")

// DispatchError wraps an upstream transport failure with its classification.
type DispatchError struct {
	Provider string
	Kind     string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed against another provider.
func (e *DispatchError) Transient() bool {
	return e.Kind == KindConnect || e.Kind == KindTimeout
}

// classifyKind buckets a transport error from http.Client.Do. Any error at
// this layer means no response bytes were received.
func classifyKind(ctx context.Context, err error) string {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnect
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient error that may succeed against another provider.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// backoffDelay calculates the delay for the given attempt using exponential
// backoff with full jitter. The result is clamped to [0, maxDelay].
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * exp)
	if delay > maxDelay {
		delay = maxDelay
	}
	// Full jitter: uniform random in [0, delay).
	if delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled. Returns ctx.Err() if cancelled, nil otherwise.
func sleepWithContext(ctx context.Context, d time.Duration) error {
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
