package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/371-Minds/credvault/pkg/schema"
)

// RetryPolicy bounds how a failed save is retried.
type RetryPolicy struct {
	Attempts int           // total attempts including the first (default 3)
	Delay    time.Duration // base delay between attempts (default 200ms)
	MaxDelay time.Duration // cap on the exponential delay (0 = uncapped)
}

// DefaultRetryPolicy retries a busy database a few times within about a second.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 200 * time.Millisecond, MaxDelay: time.Second}

// IsRetryable reports whether a store failure may succeed on a later
// attempt. Only STORE_ERRORs caused by lock contention or I/O hiccups
// qualify; bad input never does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := schema.CodeOf(err); code != "" && code != schema.ErrCodeStore {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"busy",
		"disk i/o error",
		"connection reset",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before attempt (0-based) under p: the base
// delay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Delay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retry runs op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, op func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = op(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// SaveWithRetry saves the vault state held by src into st under p.
func SaveWithRetry(ctx context.Context, st Store, src Snapshotter, p RetryPolicy) error {
	return Retry(ctx, p, func(ctx context.Context) error {
		return src.Save(ctx, st)
	})
}
