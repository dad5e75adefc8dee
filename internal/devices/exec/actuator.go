package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// ActuatorClass is the configuration Class of the exec actuator.
const ActuatorClass = "exec_actuator"

// NoArgs as a message runs Command without extra arguments.
const NoArgs = "NA"

const defaultTimeout = 10 * time.Second

func init() {
	device.Register(device.KindActuator, ActuatorClass, NewActuator)
}

// Actuator runs Command with the words of each received message appended
// and publishes the output.
type Actuator struct {
	*device.Base
	command []string
	timeout time.Duration

	mu     sync.Mutex
	result string
}

// NewActuator creates an exec actuator. Command is required; Timeout
// defaults to 10 seconds.
func NewActuator(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	command, err := section.String("Command")
	if err != nil {
		return nil, err
	}
	timeout, err := section.SecondsOr("Timeout", defaultTimeout)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: exec actuator %s needs a positive Timeout", device.ErrInvalidConfig, base.Name())
	}
	args := SafeArgs(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: exec actuator %s: Command has no usable arguments", device.ErrInvalidConfig, base.Name())
	}

	a := &Actuator{Base: base, command: args, timeout: timeout}
	a.Describe("", routing.Meta{Name: "Terminal command", Settable: true})
	if a.Subscribe("", a.handle) == 0 {
		return nil, fmt.Errorf("%w: exec actuator %s has no CommandSrc", device.ErrInvalidConfig, base.Name())
	}

	a.Log().Info("configured exec actuator", "command", command, "timeout", timeout)
	return a, nil
}

func (a *Actuator) handle(msg string) {
	args := append([]string(nil), a.command...)
	if msg != "" && msg != NoArgs {
		args = append(args, SafeArgs(msg)...)
	}
	a.Log().Info("running command", "args", args)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	out, err := run(ctx, args)
	if err != nil {
		a.Log().Error("command failed", "args", args, "error", err)
		out = Error
	} else {
		a.Log().Info("command result", "result", out)
	}

	a.mu.Lock()
	a.result = out
	a.mu.Unlock()
	a.Publish(out)
}

// PublishState republishes the last command result, if any.
func (a *Actuator) PublishState() {
	a.mu.Lock()
	out := a.result
	a.mu.Unlock()
	if out != "" {
		a.Publish(out)
	}
}
