package scheduler

import "errors"

// Domain errors for the scheduler.
var (
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrStopped is returned when Start is called on a stopped manager.
	ErrStopped = errors.New("scheduler: stopped")

	// ErrDuplicateDevice is returned when two devices share a name.
	ErrDuplicateDevice = errors.New("scheduler: duplicate device name")
)
