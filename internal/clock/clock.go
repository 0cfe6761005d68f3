// Package clock abstracts wall time so report identities and event timestamps
// can be pinned in tests.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now, always in UTC.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
