// Package logic provides an OR gate that combines binary inputs arriving on
// local channels.
//
//	ActuatorHallLight:
//	  Class: logic_or
//	  Values: ["ON", "OFF"]
//	  Connections:
//	    local:
//	      Input:
//	        StateDest: [motion/hall, door/front]
//	      Enable:
//	        StateDest: hall/auto
//	      Output:
//	        StateDest: [light/hall, light/porch]
//
// The output is ON while any input is ON. A toggle from any input flips the
// output. Enable turns the gate on (ON) or off (anything else); a disabled
// gate ignores its inputs. The output is published only when it changes.
package logic

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/connections/local"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of the OR gate.
const Class = "logic_or"

// Slots of the gate.
const (
	SlotInput  = "Input"
	SlotEnable = "Enable"
	SlotOutput = "Output"
)

func init() {
	device.Register(device.KindActuator, Class, New)
}

// Or is a logical OR over its inputs.
type Or struct {
	*device.Base
	values device.Values

	mu      sync.Mutex
	enabled bool
	inputs  map[string]bool
	output  bool
}

// New creates the gate and registers its inputs. Every channel it routes
// through must be a local channel, and at least one Input and one Output
// destination are required.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	values, err := device.ParseValues(section)
	if err != nil {
		return nil, err
	}

	g := &Or{Base: base, values: values, enabled: true, inputs: make(map[string]bool)}
	if err := g.checkLayout(); err != nil {
		return nil, err
	}

	for _, sub := range sources(base.Table(), SlotInput) {
		key := sub.Endpoint.Channel + "_" + sub.Source
		g.inputs[key] = false
		g.register(sub, func(msg string) { g.onInput(key, msg) })
	}
	for _, sub := range sources(base.Table(), SlotEnable) {
		g.register(sub, g.onEnable)
	}

	base.Describe(SlotOutput, routing.Meta{Name: "Output", DataType: routing.TypeBoolean})
	g.Log().Info("configured OR gate", "inputs", len(g.inputs))
	return g, nil
}

// checkLayout verifies that only known slots are used, on local channels,
// and that the gate has somewhere to listen and somewhere to publish.
func (g *Or) checkLayout() error {
	t := g.Table()
	for _, name := range t.Channels() {
		c, _ := g.Channel(name)
		if _, ok := c.(*local.Channel); !ok {
			return fmt.Errorf("%w: %s routes through %s, which is not a local channel", device.ErrInvalidConfig, g.Name(), name)
		}
		r, _ := t.Route(name)
		for _, slot := range r.Slots() {
			if slot != "" && slot != SlotInput && slot != SlotEnable && slot != SlotOutput {
				return fmt.Errorf("%w: %s has unknown slot %q", device.ErrInvalidConfig, g.Name(), slot)
			}
		}
	}
	if len(sources(t, SlotInput)) == 0 {
		return fmt.Errorf("%w: %s has no %s destinations", device.ErrInvalidConfig, g.Name(), SlotInput)
	}
	outputs := 0
	for _, ep := range t.Endpoints(SlotOutput) {
		outputs += len(ep.StateDests)
	}
	if outputs == 0 {
		return fmt.Errorf("%w: %s has no %s destinations", device.ErrInvalidConfig, g.Name(), SlotOutput)
	}
	return nil
}

// sources lists the destinations a slot listens on. Input and Enable name
// them with StateDest, the destination the upstream device publishes to;
// CommandSrc is accepted too.
func sources(t *routing.Table, slot string) []routing.Subscription {
	var out []routing.Subscription
	for _, ep := range t.Endpoints(slot) {
		for _, src := range slices.Concat(ep.StateDests, ep.CommandSrcs) {
			out = append(out, routing.Subscription{Endpoint: ep, Source: src})
		}
	}
	return out
}

func (g *Or) register(sub routing.Subscription, h connection.Handler) {
	c, _ := g.Channel(sub.Endpoint.Channel)
	c.Register(sub, h)
}

func (g *Or) onEnable(msg string) {
	on := strings.TrimSpace(msg) == device.On
	g.mu.Lock()
	g.enabled = on
	g.mu.Unlock()
	g.Log().Info("gate enable changed", "enabled", on)
}

func (g *Or) onInput(key, msg string) {
	g.mu.Lock()
	if !g.enabled {
		g.mu.Unlock()
		g.Log().Info("gate disabled, ignoring input", "input", key, "message", msg)
		return
	}
	prev := g.output
	if device.IsToggle(msg) {
		g.output = !g.output
	} else {
		g.inputs[key] = msg == device.On
		g.output = false
		for _, on := range g.inputs {
			if on {
				g.output = true
				break
			}
		}
	}
	out := g.output
	g.mu.Unlock()

	if out == prev {
		g.Log().Debug("output unchanged", "input", key, "message", msg, "output", out)
		return
	}
	g.Log().Info("output changed", "input", key, "message", msg, "output", out)
	g.PublishEach(SlotOutput, g.values.Publisher(out))
}

// Output reports the current output.
func (g *Or) Output() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.output
}

// Enabled reports whether the gate acts on its inputs.
func (g *Or) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}
