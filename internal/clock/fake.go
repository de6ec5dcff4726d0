package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time stands still until Advance is called;
// timers whose deadline falls within the advanced window fire in deadline
// order. Fake is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	done     bool // fired or stopped
}

// NewFake returns a Fake clock set to initial.
func NewFake(initial time.Time) *Fake { return &Fake{now: initial} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.done = true
		t.ch <- f.now
		return t
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every pending timer whose
// deadline is at or before the new time. Sends never block: each timer
// channel has capacity one and fires at most once.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due, pending []*fakeTimer
	for _, t := range f.timers {
		switch {
		case t.done:
		case !t.deadline.After(now):
			t.done = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	f.timers = pending
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Sleep advances the clock by d instead of blocking, so code that pauses
// between steps runs at full speed under test.
func (f *Fake) Sleep(d time.Duration) {
	if d > 0 {
		f.Advance(d)
	}
}

// Pending reports how many timers are waiting to fire. Tests use it to make
// sure background loops have armed their timers before calling Advance.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
