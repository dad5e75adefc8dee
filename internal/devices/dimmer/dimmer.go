// Package dimmer provides a PWM dimmer actuator.
//
//	ActuatorKitchenLight:
//	  Class: dimmer
//	  Driver: sysfs            # or virtual
//	  Chip: 0                  # /sys/class/pwm/pwmchip0
//	  Channel: 1
//	  Period: 0.001            # seconds
//	  InitialState: 0          # percent
//	  SmoothChangeInterval: 0.05
//	  DimDelay: 0.5
//	  DimInterval: 0.2
//	  ToggleDebounce: 0.15
//	  Connections:
//	    mqtt:
//	      CommandSrc: kitchen/light/set
//	      StateDest: kitchen/light/state
//
// Commands:
//   - 0-100: move to that level
//   - ON, OFF: move to 100 or 0
//   - TOGGLE (or a button timestamp): switch off, or back to the last
//     level that was on
//   - DIM: start dimming while a button is held
//   - STOP: end the dim and publish the level reached
//
// Dimmers on the same chip share one driver.
package dimmer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
	"github.com/nerrad567/sensor-reporter/internal/transition"
)

// Class is the configuration Class of this actuator.
const Class = "dimmer"

// Dimmer-specific commands.
const (
	CmdDim  = "DIM"
	CmdStop = "STOP"
)

const (
	defaultPeriod         = time.Millisecond
	defaultSmoothInterval = 50 * time.Millisecond
	defaultDimDelay       = 500 * time.Millisecond
	defaultDimInterval    = 200 * time.Millisecond
	defaultToggleDebounce = 150 * time.Millisecond
)

func init() {
	device.Register(device.KindActuator, Class, New)
}

// Actuator is one dimmed PWM channel.
type Actuator struct {
	*device.Base
	driver   Driver
	channel  int
	dim      *transition.Dimmer
	debounce *transition.Debounce

	mu sync.Mutex
	// last is the level a toggle switches back on to.
	last int
}

// New creates the dimmer, sets the channel to InitialState and subscribes
// to its command sources.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}

	a := &Actuator{Base: base}
	if a.channel, err = section.Int("Channel"); err != nil {
		return nil, err
	}
	initial, err := section.IntOr("InitialState", 0)
	if err != nil {
		return nil, err
	}
	if initial < 0 || initial > 100 {
		return nil, fmt.Errorf("%w: %s InitialState %d outside 0-100", device.ErrInvalidConfig, base.Name(), initial)
	}
	period, err := section.SecondsOr("Period", defaultPeriod)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: %s needs a positive Period", device.ErrInvalidConfig, base.Name())
	}

	opts := transition.DefaultOptions()
	if opts.StepInterval, err = section.SecondsOr("SmoothChangeInterval", defaultSmoothInterval); err != nil {
		return nil, err
	}
	if opts.HoldDelay, err = section.SecondsOr("DimDelay", defaultDimDelay); err != nil {
		return nil, err
	}
	if opts.HoldInterval, err = section.SecondsOr("DimInterval", defaultDimInterval); err != nil {
		return nil, err
	}
	debounce, err := section.SecondsOr("ToggleDebounce", defaultToggleDebounce)
	if err != nil {
		return nil, err
	}
	a.debounce = transition.NewDebounce(debounce)

	if a.driver, err = acquireDriver(env, section); err != nil {
		return nil, err
	}
	if err := a.driver.Configure(a.channel, period); err != nil {
		return nil, err
	}
	if err := a.driver.SetDuty(a.channel, initial); err != nil {
		return nil, err
	}

	a.last = initial
	if initial == 0 {
		a.last = 100
	}
	a.dim = transition.New(initial, a.write, opts, base.Log())

	if base.Subscribe("", a.handle) == 0 {
		return nil, fmt.Errorf("%w: %s has no CommandSrc", device.ErrInvalidConfig, base.Name())
	}
	base.Describe("", routing.Meta{
		Name:         "Duty cycle",
		DataType:     routing.TypeInteger,
		Unit:         "%",
		Restrictions: "0:100",
		Settable:     true,
	})

	base.Log().Info("configured dimmer", "channel", a.channel, "initial", initial, "period", period)
	return a, nil
}

// acquireDriver returns the generation's driver for the configured chip,
// opening it on first use.
func acquireDriver(env device.Env, section config.Section) (Driver, error) {
	kind, err := section.StringOr("Driver", DriverSysfs)
	if err != nil {
		return nil, err
	}
	chip, err := section.IntOr("Chip", 0)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("pwm:%s:%d", kind, chip)

	switch kind {
	case DriverSysfs:
		return device.Acquire(env.Shared, key, func() (Driver, error) {
			return newSysfsDriver(chip)
		})
	case DriverVirtual:
		return device.Acquire(env.Shared, key, func() (Driver, error) {
			return NewVirtualDriver(), nil
		})
	default:
		return nil, fmt.Errorf("%w: unknown Driver %q", config.ErrInvalidOption, kind)
	}
}

func (a *Actuator) write(level int) error {
	return a.driver.SetDuty(a.channel, level)
}

func (a *Actuator) handle(msg string) {
	msg = strings.TrimSpace(msg)
	a.Log().Debug("command received", "command", msg)

	var target int
	switch {
	case msg == CmdDim:
		a.dim.StartHold()
		return
	case msg == CmdStop:
		if level, changed := a.dim.StopHold(); changed {
			a.Log().Info("dimmed", "level", level)
			a.remember(level)
			a.PublishState()
		}
		return
	case msg == device.On:
		target = 100
	case msg == device.Off:
		target = 0
	case device.IsToggle(msg):
		if !a.debounce.Allow() {
			a.Log().Info("toggle within debounce window, ignoring", "command", msg)
			return
		}
		target = 0
		if a.dim.Target() == 0 {
			a.mu.Lock()
			target = a.last
			a.mu.Unlock()
		}
	default:
		v, err := strconv.Atoi(msg)
		if err != nil || v < 0 || v > 100 {
			a.Log().Warn("unrecognised command", "command", msg)
			return
		}
		target = v
	}

	if target == a.dim.Target() && !a.dim.Holding() {
		a.Log().Info("level unchanged, ignoring command", "command", msg, "level", target)
		return
	}
	a.remember(a.dim.Target())
	a.Log().Info("setting level", "level", target)
	a.dim.Apply(target)
	a.PublishState()
}

// remember records level as the level to toggle back to, if it is on.
func (a *Actuator) remember(level int) {
	if level == 0 {
		return
	}
	a.mu.Lock()
	a.last = level
	a.mu.Unlock()
}

// PublishState publishes the level the dimmer is at or heading for.
func (a *Actuator) PublishState() {
	a.Publish(strconv.Itoa(a.dim.Target()))
}

// Level returns the level last written to the driver.
func (a *Actuator) Level() int {
	return a.dim.Current()
}

// Cleanup stops any running ramp. The driver is closed with the generation.
func (a *Actuator) Cleanup() {
	a.dim.Stop()
}
