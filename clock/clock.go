// Package clock abstracts wall-clock access so the closer's idle-sleep
// and now-rounding behavior can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the minimal surface the core needs: current time, and a
// blocking sleep that a fake clock can intercept.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct {
	clockwork.Clock
}

// NewDefaultClock returns a Clock backed by the real wall clock.
func NewDefaultClock() Clock {
	return realClock{clockwork.NewRealClock()}
}

// NewTestClock returns a Clock backed by a clockwork.FakeClock seeded
// at start, along with the FakeClock itself so tests can advance it.
func NewTestClock(start time.Time) (Clock, clockwork.FakeClock) {
	fc := clockwork.NewFakeClockAt(start)
	return realClock{fc}, fc
}
