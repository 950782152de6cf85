package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/cadenza/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable: store conflicts and store errors, timeouts, network errors.
// Non-retryable: cancellation, validation, invalid transitions and anything
// unrecognised.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ce *schema.CadenzaError
	if errors.As(err, &ce) {
		if ce.IsRetryable() {
			return true
		}
		if ce.Cause != nil && ce.Cause != err {
			return IsRetryableError(ce.Cause)
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"database is locked",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how often and how fast a failing operation is retried.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is used for optimistic-concurrency retries.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// policy is exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if IsRetryableError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
