// Package retry provides the retry policy for failed message handling
// and the exponential backoff used by the outgoing forwarder.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Strategy defines how many attempts a message gets before it is
// quarantined, and how delivery retries back off.
//
// Inbound dispatch failures are retried immediately (the rolled-back
// message is simply at the head of the queue again); MaxRetries bounds
// those attempts before the message moves to the errors sub-queue.
// The backoff fields only shape the outgoing forwarder's pacing:
// delay = min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay).
type Strategy struct {
	MaxRetries      int           // Attempts before quarantine in the errors sub-queue
	BaseDelay       time.Duration // First backoff delay for outgoing delivery
	MaxDelay        time.Duration // Backoff cap
	ExponentialBase float64       // Backoff multiplier (e.g. 2.0 for doubling)
}

// DefaultStrategy returns the production default: five attempts, then
// quarantine; outgoing delivery backs off 1s → 2s → 4s … capped at 30s.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxRetries:      5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// WithMaxRetries returns a copy of the strategy with the attempt bound
// replaced.
func (s Strategy) WithMaxRetries(n int) Strategy {
	s.MaxRetries = n
	return s
}

// Delay computes the backoff before the given attempt number (1-based).
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.BaseDelay
	}
	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attempt-1))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable reports whether another attempt is allowed after
// attemptCount failures.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return attemptCount < s.MaxRetries
}

// ShouldQuarantine reports whether the message has exhausted its
// attempts and must move to the errors sub-queue.
func (s Strategy) ShouldQuarantine(attemptCount int) bool {
	return attemptCount >= s.MaxRetries
}

// Schedule returns a human-readable description of the backoff
// schedule, useful in logs and operator tooling.
//
// Example output: "1s → 2s → 4s → 8s → 16s → quarantine".
func (s Strategy) Schedule() string {
	out := ""
	for i := 1; i <= s.MaxRetries; i++ {
		if i > 1 {
			out += " → "
		}
		out += fmt.Sprintf("%v", s.Delay(i))
	}
	return out + " → quarantine"
}
