package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for node executions.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryClassifier decides whether an error is worth another attempt.
type RetryClassifier func(error) bool

// RetryPolicy determines if and when a failed attempt is retried.
type RetryPolicy struct {
	config    RetryConfig
	retryable RetryClassifier
}

// NewRetryPolicy creates a retry policy with the given configuration. A nil
// classifier retries every error except context cancellation.
func NewRetryPolicy(config RetryConfig, classifier RetryClassifier) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryPolicy{config: config, retryable: classifier}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (0-based) may be followed by another one.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if rp == nil || err == nil {
		return false
	}
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if rp.retryable != nil {
		return rp.retryable(err)
	}
	return true
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. It returns the number of attempts made. A nil policy runs fn
// exactly once.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempt := 0
	for {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if !rp.ShouldRetry(err, attempt) {
			return attempt + 1, err
		}

		timer := time.NewTimer(rp.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		case <-timer.C:
		}
		attempt++
	}
}
