// SPDX-License-Identifier: MIT

// Package clock abstracts time for the scheduler so tests can drive it.
package clock

import "time"

// Clock supplies the current time and timed wake-ups. The planner never
// reads the wall clock directly; everything schedulable goes through here.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the runtime clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
