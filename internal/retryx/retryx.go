// Package retryx wraps remote calls with bounded exponential backoff and a
// courtesy spacing between consecutive calls to the same endpoint.
package retryx

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
	// MinSpacing is the minimum gap between consecutive calls to the same
	// endpoint, retried or not. Rate-limit courtesy.
	MinSpacing time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
		Multiplier:  2,
		MinSpacing:  200 * time.Millisecond,
	}
}

// Controller applies a Policy. Safe for concurrent use; the spacing clock is
// shared so parallel callers still respect the endpoint gap.
type Controller struct {
	policy Policy
	logger *Logger.Logger

	mu       sync.Mutex
	lastCall time.Time

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(policy Policy, logger *Logger.Logger) *Controller {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Controller{
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do runs op, retrying transient failures (per the errs taxonomy) with
// exponential backoff. Anything non-transient propagates immediately. When
// the budget runs out the last error is wrapped in *errs.RetryExhausted so
// the root cause stays reachable.
func (c *Controller) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := c.waitSpacing(ctx); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errs.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		backoff := c.backoffFor(attempt)
		c.logger.Warnf("%s attempt %d/%d failed, retrying in %s: %v",
			label, attempt, c.policy.MaxAttempts, backoff, lastErr)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return &errs.RetryExhausted{Attempts: c.policy.MaxAttempts, Last: lastErr}
}

func (c *Controller) backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(c.policy.BaseBackoff) * math.Pow(c.policy.Multiplier, float64(attempt-1)))
	if d > c.policy.MaxBackoff {
		d = c.policy.MaxBackoff
	}
	return d
}

func (c *Controller) waitSpacing(ctx context.Context) error {
	if c.policy.MinSpacing <= 0 {
		return nil
	}
	c.mu.Lock()
	wait := c.policy.MinSpacing - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(max(wait, 0))
	c.mu.Unlock()

	if wait > 0 {
		return c.sleep(ctx, wait)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
