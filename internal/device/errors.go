package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnknownChannel) {
//	    // the device names a channel that is not configured
//	}
var (
	// ErrUnknownClass is returned when no factory is registered for a Class.
	ErrUnknownClass = errors.New("device: unknown class")

	// ErrUnknownChannel is returned when Connections names an unconfigured channel.
	ErrUnknownChannel = errors.New("device: unknown channel")

	// ErrInvalidConfig is returned when options are individually valid but
	// do not make sense together (e.g. a heartbeat polled more than once a second).
	ErrInvalidConfig = errors.New("device: invalid configuration")

	// ErrSharedClosed is returned by Acquire after the shared set was closed.
	ErrSharedClosed = errors.New("device: shared drivers closed")

	// ErrSharedType is returned when a shared key holds a different driver type.
	ErrSharedType = errors.New("device: shared driver type mismatch")
)
