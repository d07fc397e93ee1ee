// Package clock isolates wall-clock access for TimerPipe.
//
// Production code uses the real clock; tests inject a fake clock and advance
// it explicitly so that scheduling and remaining-time arithmetic are
// deterministic.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used by the scheduler and the lifecycle engine.
type Clock = clockwork.Clock

// FakeClock is a manually advanced Clock for tests.
type FakeClock = *clockwork.FakeClock

// New returns a Clock backed by the system time.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a FakeClock starting at the given instant.
func NewFake(at time.Time) FakeClock {
	return clockwork.NewFakeClockAt(at)
}

// ElapsedSeconds returns the whole seconds between since and now, floored.
// A negative interval (wall clock stepped backwards) counts as zero.
func ElapsedSeconds(since, now time.Time) int {
	d := now.Sub(since)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// SecondsDuration converts whole seconds to a time.Duration.
func SecondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
