package vcs

import (
	"context"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var transientLockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unable to create .+\.lock`),
	regexp.MustCompile(`(?i)\.lock'?\s*:\s*file exists`),
	regexp.MustCompile(`(?i)could not lock config file`),
}

// IsTransientLockError reports whether err looks like a competing git
// process holding an index or ref lock.
func IsTransientLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, re := range transientLockPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// lockRetryInitial is the first backoff interval; it doubles per attempt.
var lockRetryInitial = 100 * time.Millisecond

// WithLockRetry runs op up to attempts times, backing off exponentially
// between attempts while op fails with a transient lock error. Any other
// error is returned immediately.
func WithLockRetry[T any](ctx context.Context, attempts int, op func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = lockRetryInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransientLockError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}
