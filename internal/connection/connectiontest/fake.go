// Package connectiontest provides an in-memory Channel for tests.
package connectiontest

import (
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Fake records every publication and registration and lets tests inject
// commands with Send.
type Fake struct {
	name string

	mu            sync.Mutex
	published     []connection.Publication
	registrations []routing.Subscription
	handlers      map[string]connection.Handler
	disconnects   int
	announced     [][]*routing.Table
}

// New creates a Fake channel called name.
func New(name string) *Fake {
	return &Fake{name: name, handlers: make(map[string]connection.Handler)}
}

// Name implements connection.Channel.
func (f *Fake) Name() string { return f.name }

// Publish implements connection.Channel.
func (f *Fake) Publish(p connection.Publication) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p)
}

// Register implements connection.Channel.
func (f *Fake) Register(sub routing.Subscription, h connection.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, sub)
	f.handlers[sub.Source] = h
}

// Disconnect implements connection.Channel.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

// HasHandler implements connection.HandlerChecker.
func (f *Fake) HasHandler(dest string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[dest]
	return ok
}

// Announce implements connection.Announcer.
func (f *Fake) Announce(tables []*routing.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, tables)
}

// Send delivers msg to the handler registered for source, as if it had
// arrived over the transport. It reports whether a handler was found.
func (f *Fake) Send(source, msg string) bool {
	f.mu.Lock()
	h, ok := f.handlers[source]
	f.mu.Unlock()
	if ok {
		h(msg)
	}
	return ok
}

// Published returns a copy of every publication so far.
func (f *Fake) Published() []connection.Publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connection.Publication(nil), f.published...)
}

// Values returns the published values sent to dest, in order.
func (f *Fake) Values(dest string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		for _, d := range p.Endpoint.StateDests {
			if d == dest {
				out = append(out, p.Value)
			}
		}
	}
	return out
}

// Last returns the last value published to dest.
func (f *Fake) Last(dest string) (string, bool) {
	values := f.Values(dest)
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

// Reset forgets recorded publications.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

// Registrations returns every registration so far.
func (f *Fake) Registrations() []routing.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]routing.Subscription(nil), f.registrations...)
}

// Disconnects returns how many times Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Announced returns every Announce call's tables.
func (f *Fake) Announced() [][]*routing.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*routing.Table(nil), f.announced...)
}
