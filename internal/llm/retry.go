package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stackvm/internal/logging"
	"stackvm/internal/verrors"
)

// retryClient wraps a client with exponential-backoff retries for transient
// failures. Permanent failures surface immediately.
type retryClient struct {
	underlying Client
	maxElapsed time.Duration
	logger     logging.Logger
}

// NewRetryClient wraps client with retries. maxElapsed bounds the total time
// spent including backoff waits; zero means 2 minutes.
func NewRetryClient(client Client, maxElapsed time.Duration) Client {
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}
	return &retryClient{
		underlying: client,
		maxElapsed: maxElapsed,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = c.maxElapsed

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		resp, err := c.underlying.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !verrors.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("transient LLM failure on attempt %d: %v", attempt, err)
		return nil, err
	}
	return backoff.RetryWithData(operation, backoff.WithContext(policy, ctx))
}
