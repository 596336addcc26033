package interfaces

import "time"

// TimerHandle is an opaque reference to a scheduled callback. Stop is
// idempotent and prevents the callback from firing if it has not already.
type TimerHandle interface {
	Stop()
}

// TickScheduler abstracts timer scheduling so the poll engine can run
// against simulated time in tests instead of wall-clock delays.
type TickScheduler interface {
	// After schedules fn to run once after d and returns a cancellable handle
	After(d time.Duration, fn func()) TimerHandle
}
