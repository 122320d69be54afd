// Package system provides the wall clock used for ledger timestamps.
package system

import "time"

// Clock implements tariff.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the finest
// precision both ledger backends persist.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
