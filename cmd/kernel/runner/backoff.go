package runner

import (
	"math/rand"
	"time"
)

// Backoff controls the delay between node attempts: exponential growth
// from Base, capped at Cap, with optional full jitter.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// DefaultBackoff returns the kernel retry policy
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Cap: 30 * time.Second}
}

// DelayForAttempt returns the delay before retrying after the given
// attempt number (1-based).
func (b Backoff) DelayForAttempt(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}

	if b.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)) + 1)
	}
	return delay
}
