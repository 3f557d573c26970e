package forumclient

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy is spec.md §4.3's retry contract: "base 1s, factor 2, jitter
// +-25%, max 3 retries".
type retryPolicy struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int
	Jitter     float64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{Base: time.Second, Factor: 2, MaxRetries: 3, Jitter: 0.25}
}

// withRetry runs fn up to policy.MaxRetries+1 times, sleeping an
// exponentially growing, jittered delay between attempts, as long as
// shouldRetry(err) reports true. It stops early if ctx is cancelled.
func withRetry(ctx context.Context, policy retryPolicy, shouldRetry func(error) bool, fn func() error) error {
	delay := policy.Base
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay, policy.Jitter)):
		}
		delay = time.Duration(float64(delay) * policy.Factor)
	}
	return lastErr
}

// jitter randomizes d by +-fraction, matching the resilience pattern of
// scaling a random offset around the base delay rather than only ever
// extending it.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	return d + time.Duration(rand.Float64()*2*delta-delta)
}
