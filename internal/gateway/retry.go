package gateway

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/user/chatsync/internal/types"
)

// RetryPolicy controls how failed operations are retried with exponential
// backoff. MaxAttempts <= 0 retries until the context ends.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ReconnectPolicy returns the policy used to re-establish realtime
// subscriptions: unlimited attempts, 500ms initial delay, 2x, 10s cap.
func ReconnectPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  0,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

// isRetryable classifies errors as retryable or permanent. Store sentinels and
// cancellation are permanent, transient network errors are retryable, auth and
// validation failures are not. Unknown errors default to retryable.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrNotProvisioned) || errors.Is(err, types.ErrDuplicate) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}

	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}

	return true
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Wait sleeps for NextDelay(attempt) or until ctx is done.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.NextDelay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs fn until it succeeds, the error is permanent, attempts run out
// or ctx ends, sleeping between attempts with exponential backoff. Returns nil
// on success or the last error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		if werr := p.Wait(ctx, attempt); werr != nil {
			return lastErr
		}
	}
	return lastErr
}
