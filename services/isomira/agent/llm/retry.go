// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each retry.
	BackoffFactor float64
}

// DefaultRetryConfig returns 4 attempts waiting 2s, 8s and 32s, long
// enough for LMStudio to swap models.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     32 * time.Second,
		BackoffFactor:  4.0,
	}
}

// Delays returns the wait before each retry.
func (c RetryConfig) Delays() []time.Duration {
	if c.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, c.MaxAttempts-1)
	backoff := c.InitialBackoff
	for i := 1; i < c.MaxAttempts; i++ {
		delays = append(delays, backoff)
		next := time.Duration(float64(backoff) * c.BackoffFactor)
		if c.MaxBackoff > 0 && next > c.MaxBackoff {
			next = c.MaxBackoff
		}
		backoff = next
	}
	return delays
}

// attemptFunc is one try of a retryable operation.
type attemptFunc func(ctx context.Context, attempt int) error

// onRetryFunc is called before each wait.
type onRetryFunc func(attempt int, wait time.Duration, err error)

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out.
//
// Outputs:
//
//	int - Attempts made.
//	error - nil, the non-transient error, the context error, or the last
//	        transient error wrapped in ErrRetriesExhausted.
func retry(ctx context.Context, cfg RetryConfig, fn attemptFunc, onRetry onRetryFunc) (int, error) {
	delays := cfg.Delays()
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !IsTransient(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := delays[attempt-1]
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return maxAttempts, errors.Join(ErrRetriesExhausted, lastErr)
}

// IsTransient reports whether err is a connectivity failure worth retrying:
// timeouts, refused or reset connections, and replies cut short. HTTP
// status errors, malformed replies and configuration errors such as an
// unsupported scheme or an unknown host are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
