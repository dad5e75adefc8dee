// Package local provides a loopback channel that lets sensors drive
// actuators running in the same process.
//
// A publication is delivered straight to the handler registered for each of
// its state destinations. The channel can recode values into ON/OFF before
// delivery; at most one comparison applies, checked in this order:
//
//	ConnectionLocal:
//	  Class: local
//	  Name: local
//	  OnEq: "open"   # ON when the value equals "open", else OFF
//	  OnGT: 25.0     # ON when the value is a number above 25
//	  OnLT: 5.0      # ON when the value is a number below 5
//
// Toggle-like values (TOGGLE or a button timestamp) are forwarded as TOGGLE.
package local

import (
	"strconv"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "local"

func init() {
	connection.Register(Class, New)
}

type comparison int

const (
	compareNone comparison = iota
	compareEq
	compareGT
	compareLT
)

// Channel is the loopback channel.
type Channel struct {
	*connection.Base
	log connection.Logger

	compare   comparison
	eq        string
	threshold float64
}

// New creates a local channel from its section.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}

	c := &Channel{}
	switch {
	case section.Has("OnEq"):
		c.compare = compareEq
		c.eq, err = section.String("OnEq")
	case section.Has("OnGT"):
		c.compare = compareGT
		c.threshold, err = section.Float("OnGT")
	case section.Has("OnLT"):
		c.compare = compareLT
		c.threshold, err = section.Float("OnLT")
	}
	if err != nil {
		return nil, err
	}

	c.log = env.Log()
	c.Base = connection.NewBase(name, c.log)
	c.Online(nil)
	return c, nil
}

// Publish delivers p to the handler of every state destination that has one.
func (c *Channel) Publish(p connection.Publication) {
	for _, dest := range p.Endpoint.StateDests {
		if !c.HasHandler(dest) {
			c.log.Debug("no handler registered", "destination", dest)
			continue
		}
		send, ok := c.recode(p.Value)
		if !ok {
			c.log.Error("value cannot be compared as a number", "value", p.Value, "destination", dest)
			continue
		}
		c.log.Info("forwarding", "value", p.Value, "sent", send, "destination", dest)
		c.Deliver(dest, send)
	}
}

// recode applies the configured comparison to value.
func (c *Channel) recode(value string) (string, bool) {
	if device.IsToggle(value) {
		return device.Toggle, true
	}

	switch c.compare {
	case compareEq:
		return onOff(value == c.eq), true
	case compareGT, compareLT:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", false
		}
		if c.compare == compareGT {
			return onOff(f > c.threshold), true
		}
		return onOff(f < c.threshold), true
	default:
		return value, true
	}
}

func onOff(on bool) string {
	if on {
		return device.On
	}
	return device.Off
}

// Register records h for commands on sub.Source.
func (c *Channel) Register(sub routing.Subscription, h connection.Handler) {
	c.log.Info("registering destination", "source", sub.Source, "device", sub.Endpoint.Device)
	c.AddHandler(sub, h)
}

// Disconnect takes the channel offline.
func (c *Channel) Disconnect() {
	c.Offline()
}
