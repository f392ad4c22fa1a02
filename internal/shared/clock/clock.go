// Package clock abstracts time for components with timers so debounce and
// timeout behavior is testable without sleeping.
package clock

import "time"

// Clock supplies the current time and deferred calls.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable deferred call.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}
