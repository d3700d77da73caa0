package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay per attempt. Values <= 1 give a fixed delay.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if c.MaxBackoff > 0 && delay >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && delay > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(delay)
}

// retryDecision is returned by an attempt to tell retryWithBackoff what to do next.
type retryDecision int

const (
	// resolved ends the run with the attempt's value and error.
	resolved retryDecision = iota

	// retryable asks for another attempt while attempts remain.
	retryable
)

// attemptFunc performs one attempt. ctx is cancelled once the run resolves.
type attemptFunc[T any] func(ctx context.Context, attempt int) (T, retryDecision, error)

// retryWithBackoff runs fn until it resolves or the attempt ceiling is hit.
// On exhaustion the last attempt's value and error are returned unmodified.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, scope string, logger zerolog.Logger, fn attemptFunc[T]) (T, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		value, decision, err := fn(runCtx, attempt)
		if decision == resolved {
			if err == nil && attempt > 1 {
				logger.Info().
					Str("scope", scope).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return value, err
		}

		errClass := string(classifyError(err))
		if attempt >= maxAttempts {
			retryExhaustedTotal.WithLabelValues(scope).Inc()
			logger.Warn().
				Err(err).
				Str("scope", scope).
				Str("error_class", errClass).
				Int("max_attempts", maxAttempts).
				Msg("Retry attempts exhausted")
			return value, err
		}

		delay := config.Delay(attempt)
		retriesTotal.WithLabelValues(scope, errClass).Inc()
		retryBackoffSeconds.WithLabelValues(scope).Observe(delay.Seconds())

		logger.Warn().
			Err(err).
			Str("scope", scope).
			Str("error_class", errClass).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("scope", scope).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}
