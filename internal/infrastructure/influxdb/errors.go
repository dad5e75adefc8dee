package influxdb

import "errors"

// Domain-specific errors for InfluxDB operations.
var (
	// ErrNotConnected is returned when operations are attempted on a closed client.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed is returned when the initial ping fails.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps errors reported by the batched write API.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrInvalidConfig is returned when URL or Bucket is missing.
	ErrInvalidConfig = errors.New("influxdb: invalid configuration")
)
