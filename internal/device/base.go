package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Base carries what every device needs: its name, poll interval, logger
// and routing table, and helpers that publish through the table.
//
// Concrete devices embed *Base and override CheckState, PublishState and
// Cleanup as needed.
type Base struct {
	name     string
	poll     time.Duration
	log      Logger
	table    *routing.Table
	channels map[string]connection.Channel
}

// NewBase parses the options shared by every device.
//
// Options:
//   - Name: device name (default: the section key without its Sensor/Actuator prefix)
//   - Poll: seconds between polls; absent or <= 0 means event-driven
//   - Connections: the routing table
//
// Every channel named under Connections must exist in env.Channels.
func NewBase(env Env, section config.Section) (*Base, error) {
	name, err := NameOf(section)
	if err != nil {
		return nil, err
	}

	pollSecs, err := section.FloatOr("Poll", 0)
	if err != nil {
		return nil, err
	}
	var poll time.Duration
	if pollSecs > 0 {
		poll = time.Duration(pollSecs * float64(time.Second))
	}

	table, err := routing.Parse(name, section)
	if err != nil {
		return nil, err
	}

	channels := make(map[string]connection.Channel, len(table.Channels()))
	for _, ch := range table.Channels() {
		c, ok := env.Channels[ch]
		if !ok {
			return nil, fmt.Errorf("%w: %s references %q", ErrUnknownChannel, name, ch)
		}
		channels[ch] = c
	}

	var log Logger = noopLogger{}
	if env.Logger != nil {
		log = env.Logger
	}

	return &Base{
		name:     name,
		poll:     poll,
		log:      log,
		table:    table,
		channels: channels,
	}, nil
}

// NameOf returns the device name section configures: its Name option, or
// the section key without its Sensor/Actuator prefix.
func NameOf(section config.Section) (string, error) {
	return section.StringOr("Name", deriveName(section.Name()))
}

// deriveName turns "SensorGarageDoor" into "GarageDoor".
func deriveName(key string) string {
	for _, prefix := range []string{config.PrefixSensor, config.PrefixActuator} {
		if rest := strings.TrimPrefix(key, prefix); rest != key && rest != "" {
			return strings.TrimLeft(rest, "_-. ")
		}
	}
	return key
}

// Name returns the device name.
func (b *Base) Name() string { return b.name }

// PollInterval returns the configured poll interval; zero for event-driven devices.
func (b *Base) PollInterval() time.Duration { return b.poll }

// Log returns the device logger.
func (b *Base) Log() Logger { return b.log }

// Table returns the routing table.
func (b *Base) Table() *routing.Table { return b.table }

// CheckState does nothing. Polled devices override it.
func (b *Base) CheckState(context.Context) error { return nil }

// PublishState does nothing. Devices with state override it.
func (b *Base) PublishState() {}

// Cleanup does nothing. Devices holding resources override it.
func (b *Base) Cleanup() {}

// Describe records metadata for slot, used by announcing channels.
func (b *Base) Describe(slot string, m routing.Meta) {
	b.table.Describe(slot, m)
}

// Publish sends value to the default slot on every channel.
func (b *Base) Publish(value string) {
	b.PublishSlot("", value)
}

// PublishSlot sends value to slot on every channel that routes it.
// Channels without an endpoint for slot are skipped.
func (b *Base) PublishSlot(slot, value string) {
	b.PublishEach(slot, func(routing.Endpoint) string { return value })
}

// PublishEach sends a per-endpoint value to slot. An empty value skips
// that endpoint.
func (b *Base) PublishEach(slot string, value func(ep routing.Endpoint) string) {
	for _, ep := range b.table.Endpoints(slot) {
		v := value(ep)
		if v == "" {
			continue
		}
		b.channels[ep.Channel].Publish(connection.Publication{Value: v, Endpoint: ep})
	}
}

// Subscribe registers h for every command source of slot and returns the
// number of registrations made.
func (b *Base) Subscribe(slot string, h connection.Handler) int {
	subs := b.table.Subscriptions(slot)
	for _, sub := range subs {
		b.channels[sub.Endpoint.Channel].Register(sub, h)
	}
	return len(subs)
}

// Channel returns the channel named name, if this device routes to it.
func (b *Base) Channel(name string) (connection.Channel, bool) {
	c, ok := b.channels[name]
	return c, ok
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
