package connection

import "errors"

// Domain-specific errors for channel construction.
var (
	// ErrUnknownClass is returned when no factory is registered for a Class.
	ErrUnknownClass = errors.New("connection: unknown class")

	// ErrConnectFailed is returned by factories whose initial connection fails.
	ErrConnectFailed = errors.New("connection: connect failed")
)
