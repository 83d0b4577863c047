package retryx

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeflow/scribeflow/internal/errs"
	"github.com/scribeflow/scribeflow/pkg/Logger"
)

func newTestController(maxAttempts int) *Controller {
	c := New(Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
		Multiplier:  2,
	}, Logger.New(true))
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	c := newTestController(5)
	calls := 0
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return errs.Transient(fmt.Errorf("flaky %d", calls))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

type fakeAPIError struct{ code int }

func (e *fakeAPIError) Error() string { return fmt.Sprintf("http %d", e.code) }

func TestDoExhaustionPreservesRootCause(t *testing.T) {
	c := newTestController(3)
	calls := 0
	rootErr := &fakeAPIError{code: 429}
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errs.Transient(rootErr)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *errs.RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	// the original error type is still reachable for callers
	var apiErr *fakeAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.code)
}

func TestDoFatalErrorNotRetried(t *testing.T) {
	c := newTestController(5)
	calls := 0
	fatal := &errs.FatalBackendError{Backend: "x", Cause: errors.New("bad credentials")}
	err := c.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-transient errors propagate immediately")
}

func TestDoRespectsCancellation(t *testing.T) {
	c := newTestController(5)
	c.sleep = sleepCtx // real sleep so cancellation has a suspension point

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Do(ctx, "op", func(ctx context.Context) error {
		return errs.Transient(errors.New("flaky"))
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffCappedAtMax(t *testing.T) {
	c := New(Policy{
		MaxAttempts: 10,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
		Multiplier:  2,
	}, Logger.New(true))

	assert.Equal(t, time.Second, c.backoffFor(1))
	assert.Equal(t, 2*time.Second, c.backoffFor(2))
	assert.Equal(t, 4*time.Second, c.backoffFor(3))
	assert.Equal(t, 4*time.Second, c.backoffFor(8), "backoff must cap at MaxBackoff")
}

func TestMinSpacingBetweenCalls(t *testing.T) {
	c := New(Policy{
		MaxAttempts: 1,
		MinSpacing:  50 * time.Millisecond,
	}, Logger.New(true))

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_ = c.Do(context.Background(), "op", func(ctx context.Context) error { return nil })
	_ = c.Do(context.Background(), "op", func(ctx context.Context) error { return nil })
	assert.NotEmpty(t, slept, "second call within the spacing window must wait")
}
