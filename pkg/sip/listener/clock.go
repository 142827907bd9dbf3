package listener

import "time"

// Clock abstracts the scheduler so the state machine is testable without
// wall-clock waits. The production implementation delegates to the time
// package.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	After(d time.Duration) <-chan time.Time
}

// Timer is a stoppable scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
