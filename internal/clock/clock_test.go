package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	c := NewFake()
	var fired []string

	c.Schedule(time.Second, func() { fired = append(fired, "a") })
	c.Schedule(3*time.Second, func() { fired = append(fired, "b") })

	c.Advance(time.Second)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("after 1s fired = %v, want [a]", fired)
	}

	c.Advance(2 * time.Second)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("after 3s fired = %v, want [a b]", fired)
	}
}

func TestFakeStopPreventsFiring(t *testing.T) {
	c := NewFake()
	fired := false
	timer := c.Schedule(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false, want true before firing")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestFakeRescheduleFromCallback(t *testing.T) {
	c := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.Schedule(time.Second, tick)
		}
	}
	c.Schedule(time.Second, tick)

	// One Advance past all deadlines fires chained timers too.
	c.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}
