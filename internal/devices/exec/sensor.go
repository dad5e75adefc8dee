package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// SensorClass is the configuration Class of the exec sensor.
const SensorClass = "exec_sensor"

func init() {
	device.Register(device.KindSensor, SensorClass, NewSensor)
}

// Sensor runs Script every poll, with the poll interval as its timeout.
type Sensor struct {
	*device.Base
	args []string

	mu     sync.Mutex
	result string
}

// NewSensor creates an exec sensor. Script and a positive Poll are required.
func NewSensor(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	script, err := section.String("Script")
	if err != nil {
		return nil, err
	}
	if base.PollInterval() <= 0 {
		return nil, fmt.Errorf("%w: exec sensor %s needs a positive Poll", device.ErrInvalidConfig, base.Name())
	}
	args := SafeArgs(script)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: exec sensor %s: Script has no usable arguments", device.ErrInvalidConfig, base.Name())
	}

	s := &Sensor{Base: base, args: args}
	s.Describe("", routing.Meta{Name: "Result of sensor script"})
	s.Log().Info("configured exec sensor", "script", script, "interval", base.PollInterval())
	return s, nil
}

// CheckState runs the script and publishes its output, or ERROR when it
// fails or outlives the poll interval.
func (s *Sensor) CheckState(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.PollInterval())
	defer cancel()

	s.Log().Debug("running script", "args", s.args)
	out, err := run(ctx, s.args)
	if err != nil {
		out = Error
	}

	s.mu.Lock()
	s.result = out
	s.mu.Unlock()
	s.PublishState()

	if err != nil {
		return fmt.Errorf("running %s: %w", s.args[0], err)
	}
	s.Log().Debug("script result", "result", out)
	return nil
}

// PublishState publishes the last result. Nothing is published before the
// first run.
func (s *Sensor) PublishState() {
	s.mu.Lock()
	out := s.result
	s.mu.Unlock()
	if out != "" {
		s.Publish(out)
	}
}
