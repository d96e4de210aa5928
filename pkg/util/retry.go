package util

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// RetryN calls fn up to attempts times, sleeping b.Duration() between
// attempts (b is reset before the first call). It stops early and returns
// nil as soon as fn succeeds, or ctx's error if ctx is cancelled while
// waiting between attempts.
func RetryN(ctx context.Context, attempts int, b *backoff.Backoff, fn func() error) error {
	b.Reset()
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ConstantBackoff returns a backoff.Backoff configured for a fixed delay,
// used where the spec calls for a plain "retry every N seconds" policy
// rather than exponential growth (e.g. the IPv6 periodic reporter).
func ConstantBackoff(delay time.Duration) *backoff.Backoff {
	return &backoff.Backoff{Min: delay, Max: delay, Factor: 1, Jitter: false}
}
