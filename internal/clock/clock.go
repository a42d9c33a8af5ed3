// Package clock abstracts the time operations used by deadlines so tests
// can drive them deterministically. Production code uses Real(); tests use Fake().
package clock

import "time"

// Clock is the subset of the time package used by nostrlink.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a scheduled AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from firing. It reports whether the timer was
// still pending.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
