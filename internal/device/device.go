package device

import (
	"context"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/logging"
)

// Kind separates polled sensors from command-driven actuators.
type Kind int

// Device kinds.
const (
	KindSensor Kind = iota
	KindActuator
)

func (k Kind) String() string {
	if k == KindActuator {
		return "actuator"
	}
	return "sensor"
}

// Device is a sensor or actuator managed by the scheduler.
//
// The scheduler guarantees that CheckState is never running twice at once
// for the same device, and that Cleanup is called exactly once, after the
// last CheckState has returned or the stop timeout has expired.
type Device interface {
	// Name returns the unique device name.
	Name() string

	// PollInterval returns how often CheckState should run. Zero means the
	// device is event-driven and is never polled.
	PollInterval() time.Duration

	// CheckState reads the device and publishes what changed. ctx is
	// cancelled when the scheduler stops. A returned error is logged as a
	// failed poll; the device stays scheduled.
	CheckState(ctx context.Context) error

	// PublishState publishes the current state unconditionally. It must be
	// idempotent: calling it twice without an intervening change publishes
	// the same values.
	PublishState()

	// Cleanup releases resources. No method is called after Cleanup.
	Cleanup()
}

// Logger is the logging interface used by devices.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Env carries what a device factory needs from its generation.
type Env struct {
	// Logger is tagged with the device name and filters at its Level.
	Logger *logging.Logger

	// Channels holds every channel of the generation by name.
	Channels map[string]connection.Channel

	// Shared holds drivers shared between devices of the generation.
	Shared *Shared
}

// Factory builds a device from its configuration section. Configuration
// problems are returned as errors wrapping config.ErrMissingOption,
// config.ErrInvalidOption or ErrInvalidConfig.
type Factory func(env Env, section config.Section) (Device, error)
