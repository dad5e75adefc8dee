package config

import "errors"

// Errors returned by Section accessors.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMissingOption is returned when a required option is absent.
	ErrMissingOption = errors.New("config: missing required option")

	// ErrInvalidOption is returned when an option cannot be converted to the requested type.
	ErrInvalidOption = errors.New("config: invalid option value")
)
