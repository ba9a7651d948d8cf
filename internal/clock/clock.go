package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that schedule work, so tests can
// substitute virtual time instead of sleeping.
type Clock interface {
	Now() time.Time
	// Schedule runs fn after delay on a new goroutine. The returned Timer
	// cancels the callback if Stop is called before it fires.
	Schedule(delay time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// System returns a Clock backed by the real time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Schedule(delay time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(delay, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) Stop() bool {
	return s.t.Stop()
}

// Fake is a virtual-time Clock for tests. Callbacks scheduled via Schedule
// fire synchronously from Advance, on the goroutine calling Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	next   int
}

// NewFake creates a fake clock starting at a fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type fakeTimer struct {
	clock   *Fake
	id      int
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (f *fakeTimer) Stop() bool {
	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	if f.fired || f.stopped {
		return false
	}
	f.stopped = true
	return true
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Schedule registers fn to fire once virtual time passes delay.
func (f *Fake) Schedule(delay time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, id: f.next, at: f.now.Add(delay), fn: fn}
	f.next++
	f.timers = append(f.timers, t)
	return t
}

// Pending returns how many timers are scheduled and not yet fired or stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves virtual time forward and fires due timers in deadline order.
// Callbacks run without the clock lock held, so they may schedule new timers;
// newly due timers fire within the same Advance call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.nextDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

func (f *Fake) nextDue() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due *fakeTimer
	for _, t := range f.timers {
		if t.fired || t.stopped || t.at.After(f.now) {
			continue
		}
		if due == nil || t.at.Before(due.at) || (t.at.Equal(due.at) && t.id < due.id) {
			due = t
		}
	}
	if due != nil {
		due.fired = true
	}
	return due
}
