package routing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

// DataType describes the kind of value a slot carries, for channels that
// announce devices (e.g. Homie discovery).
type DataType string

// Supported data types.
const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeEnum    DataType = "enum"
	TypeColor   DataType = "color"
)

// Meta describes one slot of a device.
type Meta struct {
	// Name is a human readable label. Defaults to the slot name.
	Name string
	// DataType of the published values.
	DataType DataType
	// Unit such as "°C" or "%". Optional.
	Unit string
	// Restrictions is a format hint: "0:100" for ranges, "ON,OFF" for enums.
	Restrictions string
	// Settable is true when the slot accepts commands.
	Settable bool
}

// Table maps channel names to the routing records of one device.
//
// A Table is built once from configuration and is read-only afterwards,
// except for Describe and Annotate which devices and channels call while a
// generation is being assembled.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Table struct {
	device string
	routes map[string]*Route
	order  []string

	mu          sync.RWMutex
	meta        map[string]Meta
	annotations map[string]string
}

// Route holds every endpoint one device has on one channel.
type Route struct {
	Channel string
	slots   map[string]Endpoint
}

// Endpoint returns the endpoint for slot ("" is the default slot).
func (r *Route) Endpoint(slot string) (Endpoint, bool) {
	ep, ok := r.slots[slot]
	return ep, ok
}

// Slots returns the configured slot names in sorted order.
func (r *Route) Slots() []string {
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTable creates an empty Table for device. Routes are added with Add.
func NewTable(device string) *Table {
	return &Table{
		device:      device,
		routes:      make(map[string]*Route),
		meta:        make(map[string]Meta),
		annotations: make(map[string]string),
	}
}

// Add registers endpoints for channel, replacing any previous route.
func (t *Table) Add(channel string, endpoints ...Endpoint) {
	route := &Route{Channel: channel, slots: make(map[string]Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		ep.Device = t.device
		ep.Channel = channel
		route.slots[ep.Slot] = ep
	}
	if _, exists := t.routes[channel]; !exists {
		t.order = append(t.order, channel)
		sort.Strings(t.order)
	}
	t.routes[channel] = route
}

// Device returns the name of the device this table belongs to.
func (t *Table) Device() string {
	return t.device
}

// Channels returns the channel names this device is routed to, sorted.
func (t *Table) Channels() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Route returns the route for channel.
func (t *Table) Route(channel string) (*Route, bool) {
	r, ok := t.routes[channel]
	return r, ok
}

// Endpoint returns the endpoint for (channel, slot).
func (t *Table) Endpoint(channel, slot string) (Endpoint, bool) {
	r, ok := t.routes[channel]
	if !ok {
		return Endpoint{}, false
	}
	return r.Endpoint(slot)
}

// Endpoints returns the endpoint for slot on every channel that has one,
// in channel order. Channels without the slot are skipped.
func (t *Table) Endpoints(slot string) []Endpoint {
	var out []Endpoint
	for _, name := range t.order {
		if ep, ok := t.routes[name].Endpoint(slot); ok {
			out = append(out, ep)
		}
	}
	return out
}

// Subscriptions returns every (endpoint, command source) pair of slot.
// A device registers one handler per returned pair.
func (t *Table) Subscriptions(slot string) []Subscription {
	var out []Subscription
	for _, ep := range t.Endpoints(slot) {
		for _, src := range ep.CommandSrcs {
			out = append(out, Subscription{Endpoint: ep, Source: src})
		}
	}
	return out
}

// Subscription is one command source a device listens on.
type Subscription struct {
	Endpoint Endpoint
	Source   string
}

// Describe attaches metadata to slot. Calling it again replaces the metadata.
func (t *Table) Describe(slot string, m Meta) {
	if m.Name == "" {
		m.Name = slot
		if slot == "" {
			m.Name = t.device
		}
	}
	if m.DataType == "" {
		m.DataType = TypeString
	}
	t.mu.Lock()
	t.meta[slot] = m
	t.mu.Unlock()
}

// Meta returns the metadata described for slot.
func (t *Table) Meta(slot string) (Meta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.meta[slot]
	return m, ok
}

// DescribedSlots returns the slots that have metadata, sorted.
func (t *Table) DescribedSlots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.meta))
	for slot := range t.meta {
		out = append(out, slot)
	}
	sort.Strings(out)
	return out
}

// Annotate stores a channel-owned value, e.g. an assigned topic name.
// Keys should be prefixed with the channel name.
func (t *Table) Annotate(key, value string) {
	t.mu.Lock()
	t.annotations[key] = value
	t.mu.Unlock()
}

// Annotation returns a value stored with Annotate.
func (t *Table) Annotation(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.annotations[key]
	return v, ok
}

// Parse builds a Table from the "Connections" option of a device section.
//
// Each key of Connections is a channel name whose value is a mapping of
// endpoint options (StateDest, CommandSrc, Item, Retain, ConnectionOnReconnect,
// ConnectionOnDisconnect) and named slots. A nested mapping that is not one of
// the known options is a slot with the same keys.
//
// Parameters:
//   - device: Name of the device, used in error messages
//   - section: The device's configuration section
//
// Returns:
//   - *Table: The parsed table
//   - error: Wrapping config.ErrMissingOption or ErrInvalidRoute
func Parse(device string, section config.Section) (*Table, error) {
	conns, err := section.Map("Connections")
	if err != nil {
		return nil, err
	}

	t := NewTable(device)
	for _, channel := range conns.Keys() {
		raw, err := conns.Map(channel)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: channel %q: %w", ErrInvalidRoute, device, channel, err)
		}
		endpoints, err := parseRoute(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: channel %q: %w", ErrInvalidRoute, device, channel, err)
		}
		t.Add(channel, endpoints...)
	}

	if len(t.order) == 0 {
		return nil, fmt.Errorf("%w: %s: Connections is empty", ErrInvalidRoute, device)
	}
	return t, nil
}
