package keystate

import (
	"context"
	"math"
	"time"
)

// ConnectRetryConfig configures the exponential backoff used while waiting
// for the Redis backend to become reachable at startup.
type ConnectRetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultConnectRetryConfig matches Redis client library guidance for
// startup reconnection: a few quick attempts before giving up and falling
// back to the in-memory store.
func DefaultConnectRetryConfig() ConnectRetryConfig {
	return ConnectRetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// WaitReady pings the Redis backend with exponential backoff, returning the
// last error if the backend never becomes reachable before ctx is done or
// the attempt budget is exhausted. Callers typically treat a WaitReady
// failure as a reason to fall back to an in-memory store rather than a
// fatal startup error.
func WaitReady(ctx context.Context, r *RedisStore, cfg ConnectRetryConfig) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.client.Ping(r.ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if cfg.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
