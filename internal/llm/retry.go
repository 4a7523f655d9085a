package llm

import (
	"context"
	"errors"
	"time"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// RetryingClient enforces a per-call deadline on an inner client and retries
// TIMEOUT/UNAVAILABLE failures with backoff. RATE_LIMITED and validation
// failures are surfaced immediately; plan-mode callers set MaxRetries to 0 so
// a step failure is reported instead of retried.
type RetryingClient struct {
	Inner      Client
	Timeout    time.Duration // per-attempt upper bound
	MaxRetries int           // additional attempts after the first
	Backoff    time.Duration // delay before a retry; doubles per attempt
}

// NewRetryingClient wraps inner with the default single-retry policy.
func NewRetryingClient(inner Client, timeout time.Duration, maxRetries int) *RetryingClient {
	return &RetryingClient{
		Inner:      inner,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		Backoff:    500 * time.Millisecond,
	}
}

func (c *RetryingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.Inner.Complete(ctx, prompt)
	})
}

func (c *RetryingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.Inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (c *RetryingClient) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	backoff := c.Backoff
	var lastErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.LLM("retrying model call (attempt %d) after %v: %v", attempt+1, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", types.Wrap(types.KindCancelled, ctx.Err(), "model call cancelled during backoff")
			}
			backoff *= 2
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		out, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}

		// Caller cancellation wins over the per-attempt deadline.
		if ctx.Err() != nil {
			return "", types.Wrap(types.KindCancelled, ctx.Err(), "model call cancelled")
		}
		// Clients that surface raw context errors still count as timeouts.
		if errors.Is(err, context.DeadlineExceeded) && types.KindOf(err) == types.KindInternal {
			err = types.Wrap(types.KindTimeout, err, "model call exceeded deadline")
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	switch types.KindOf(err) {
	case types.KindTimeout, types.KindUnavailable:
		return true
	}
	return false
}
