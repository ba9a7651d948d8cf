package retry

import (
	"testing"
	"time"
)

func TestCeilingDelayMonotonic(t *testing.T) {
	s := NewStrategy(time.Second, 30*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := s.ceilingDelay()
		if d < prev {
			t.Fatalf("delay decreased at %d failures: %v < %v", i, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("delay %v exceeds cap at %d failures", d, i)
		}
		prev = d
		s.IncrementConsecutiveFailures()
	}
	if s.ceilingDelay() != 30*time.Second {
		t.Errorf("delay after 20 failures = %v, want cap", s.ceilingDelay())
	}
}

func TestNextRetryDelayBounds(t *testing.T) {
	s := NewStrategy(time.Second, 30*time.Second)
	s.IncrementConsecutiveFailures()
	s.IncrementConsecutiveFailures()

	// Ceiling at 2 failures is 4s; jittered delay must land in [2s, 4s].
	for i := 0; i < 100; i++ {
		d := s.NextRetryDelay()
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("jittered delay %v outside [2s, 4s]", d)
		}
	}
}

func TestResetRestartsSchedule(t *testing.T) {
	s := NewStrategy(time.Second, 30*time.Second)
	for i := 0; i < 5; i++ {
		s.IncrementConsecutiveFailures()
	}
	s.ResetConsecutiveFailures()

	if s.ConsecutiveFailures() != 0 {
		t.Errorf("failures = %d after reset", s.ConsecutiveFailures())
	}
	if d := s.ceilingDelay(); d != time.Second {
		t.Errorf("delay after reset = %v, want base", d)
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	s := NewStrategy(0, 0)
	if d := s.ceilingDelay(); d <= 0 {
		t.Errorf("delay = %v with zero config", d)
	}
}
