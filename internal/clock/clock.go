// Package clock abstracts wall-clock time so that every time-dependent
// component (store expiry, sweeps, reminders, the task scheduler) can be
// driven deterministically from tests.
package clock

import (
	"time"

	"github.com/dustin/go-humanize"
)

// HumanFormat is the timestamp layout used in chat messages, emails and
// the snapshot read model.
const HumanFormat = "15:04:05 02/01/2006"

// Clock supplies the current time. Exactly one implementation is used
// per process; production code gets System, tests get a *Mock.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock. Times are UTC internally; formatting
// for humans happens at the edges via [HumanStr].
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// HumanStr formats t in the given location using [HumanFormat].
func HumanStr(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(HumanFormat)
}

// HumanDelta renders the distance between t and now as a phrase like
// "an hour ago". now is passed explicitly so mocked clocks produce
// stable output.
func HumanDelta(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

// NextTimeOfDay returns the first instant strictly after now that falls
// on hour:minute in loc. Used to defer notifications to a decent hour
// instead of sending them in the middle of the night.
func NextTimeOfDay(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at.UTC()
}

// Mock is a settable clock for tests. The zero value starts at a fixed
// reference instant so tests don't accidentally depend on the host
// clock.
type Mock struct {
	now time.Time
}

// NewMock returns a mock clock set to the given instant.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

// Now returns the mocked instant.
func (m *Mock) Now() time.Time { return m.now }

// Set moves the mocked clock to the given instant.
func (m *Mock) Set(now time.Time) { m.now = now }

// Advance moves the mocked clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.now = m.now.Add(d) }
