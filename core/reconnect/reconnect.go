// Package reconnect defines the backoff policy applied between
// reconnection attempts after an unexpected connection loss.
package reconnect

import "time"

const (
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second
	// DefaultMaxAttempts is the number of consecutive failures tolerated
	// before retrying stops permanently.
	DefaultMaxAttempts = 5
)

// Policy computes exponential backoff delays for successive reconnect
// attempts: BaseDelay * 2^(attempt-1), capped at MaxAttempts attempts.
// The zero value is usable and applies the defaults.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Default returns a Policy with the package defaults.
func Default() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) base() time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return DefaultBaseDelay
}

func (p Policy) max() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Delay returns the backoff duration before the given attempt.
// Attempts are numbered from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.base() << (attempt - 1)
}

// Next reports the delay before attempt and whether the attempt is allowed.
// It returns ok=false once attempt exceeds MaxAttempts; callers must then
// stop retrying until an explicit reconnect is requested.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt > p.max() {
		return 0, false
	}
	return p.Delay(attempt), true
}
