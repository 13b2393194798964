// Package transport implements [protocol.Client] against the eascal device
// gateway: the HTTP service that owns the on-wire encoding and exposes the
// four primitive mailbox operations as JSON endpoints. The package provides
// an [Adapter] with per-call retry for transient network failures and
// conversion between the gateway's JSON representation and [model.CalendarEvent].
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"eascal/internal/protocol"
)

const (
	// defaultMaxAttempts is the number of tries before retryTransient gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// retryTransient executes fn up to maxAttempts times with exponential backoff
// and jitter. Only network failures are retried: protocol-level failures
// (authentication, access, parse) surface immediately because retrying them
// cannot change the outcome.
func retryTransient(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, protocol.ErrNetwork) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50–100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
