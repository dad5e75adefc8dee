package routing

import "errors"

// ErrInvalidRoute is returned when a Connections block cannot be parsed.
var ErrInvalidRoute = errors.New("routing: invalid route")
