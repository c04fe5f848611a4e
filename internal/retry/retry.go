// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rcliao/memory-cloud/internal/contextutil"
)

// MaxBackoff caps a single wait.
const MaxBackoff = 30 * time.Second

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// CallTimeout, when positive, bounds each attempt.
	CallTimeout time.Duration
}

// DefaultPolicy is used by sync when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, CallTimeout: 30 * time.Second}
}

// CalculateBackoff returns exponential backoff with jitter.
// Base delay is doubled each attempt, with random jitter up to 25%.
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(backoff)/2+1)) - backoff/4
	return backoff + jitter
}

// Result reports how many attempts Do made.
type Result struct {
	Attempts int
}

// Do calls fn until it succeeds, returns an error that retryable rejects,
// or the policy's attempts are spent. The last error is returned. Context
// cancellation stops the loop immediately.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) (Result, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var res Result
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := CalculateBackoff(p.BaseDelay, i)
			contextutil.LoggerFromContext(ctx).Debug("retrying after transient error",
				"attempt", i+1, "max_attempts", attempts, "wait", wait, "error", err)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		res.Attempts++
		err = call(ctx, p.CallTimeout, fn)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if retryable == nil || !retryable(err) {
			return res, err
		}
	}
	return res, err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(cctx)
}
