// Package system provides a real clock implementation.
package system

import "time"

// Clock implements ruc.Clock using time.Now. Outcomes are timestamped in
// UTC regardless of the host timezone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
