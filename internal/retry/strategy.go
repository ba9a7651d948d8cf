package retry

import (
	"math/rand"
	"time"
)

// Strategy computes reconnection/refresh delays from a consecutive-failure
// counter. The strategy itself is not synchronized; each owner serializes
// access to its own instance.
type Strategy struct {
	base     time.Duration
	max      time.Duration
	rand     *rand.Rand
	failures uint
}

// NewStrategy creates an exponential backoff strategy with full jitter:
// delay grows as base*2^failures up to max, and the jittered delay is
// drawn from [delay/2, delay].
func NewStrategy(base, max time.Duration) *Strategy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = 25 * time.Second
	}
	return &Strategy{
		base: base,
		max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ConsecutiveFailures returns the current failure counter.
func (s *Strategy) ConsecutiveFailures() uint {
	return s.failures
}

// IncrementConsecutiveFailures records a failure.
func (s *Strategy) IncrementConsecutiveFailures() {
	s.failures++
}

// ResetConsecutiveFailures records a success, restarting the schedule.
func (s *Strategy) ResetConsecutiveFailures() {
	s.failures = 0
}

// NextRetryDelay returns the delay before the next attempt. The undithered
// schedule is monotonically non-decreasing up to the cap.
func (s *Strategy) NextRetryDelay() time.Duration {
	delay := s.ceilingDelay()
	// Jitter down by at most half to decorrelate clients retrying together.
	half := delay / 2
	return half + time.Duration(s.rand.Int63n(int64(half)+1))
}

// ceilingDelay is base*2^failures clamped to max, overflow-safe.
func (s *Strategy) ceilingDelay() time.Duration {
	delay := s.base
	for i := uint(0); i < s.failures; i++ {
		delay *= 2
		if delay >= s.max || delay <= 0 {
			return s.max
		}
	}
	if delay > s.max {
		return s.max
	}
	return delay
}
