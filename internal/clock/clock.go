// Package clock abstracts time so periodic work can be advanced
// deterministically in tests. Production code uses Real(); tests use
// NewFake and drive it with Advance.
package clock

import "time"

// Clock is the subset of the time package the supervisor schedules with.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer returns a one-shot timer that fires after d. A timer with
	// d <= 0 fires immediately.
	NewTimer(d time.Duration) Timer
	// Sleep pauses the caller for d.
	Sleep(d time.Duration)
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{t: time.NewTimer(d)} }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
