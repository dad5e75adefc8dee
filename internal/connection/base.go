package connection

import (
	"runtime/debug"
	"sort"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// State is the link state of a channel.
type State int

// Channel link states. A channel moves INIT → CONNECTING → PRE_ONLINE → ONLINE
// and ONLINE → PRE_OFFLINE → OFFLINE. The PRE_ states are held while link
// actions run.
const (
	StateInit State = iota
	StateConnecting
	StatePreOnline
	StateOnline
	StatePreOffline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StatePreOnline:
		return "PRE_ONLINE"
	case StateOnline:
		return "ONLINE"
	case StatePreOffline:
		return "PRE_OFFLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type registration struct {
	sub     routing.Subscription
	handler Handler
}

// Base implements the bookkeeping every channel shares: the registration
// set, the link state machine, the offline buffer and the actuator link
// actions. Transport adapters embed it and call Connecting, Online and
// Offline from their connection callbacks.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Base struct {
	name string
	log  Logger

	mu         sync.Mutex
	state      State
	wasOnline  bool
	registered map[string]registration
	buffers    map[string][]Publication
	last       map[string]string
}

// NewBase creates a Base in StateInit. A nil logger discards output.
func NewBase(name string, log Logger) *Base {
	if log == nil {
		log = noopLogger{}
	}
	return &Base{
		name:       name,
		log:        log,
		registered: make(map[string]registration),
		buffers:    make(map[string][]Publication),
		last:       make(map[string]string),
	}
}

// Name returns the channel name.
func (b *Base) Name() string {
	return b.name
}

// State returns the current link state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddHandler records h for sub.Source. It replaces an existing handler.
func (b *Base) AddHandler(sub routing.Subscription, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.registered[sub.Source]; exists {
		b.log.Warn("replacing handler", "source", sub.Source, "device", sub.Endpoint.Device)
	}
	b.registered[sub.Source] = registration{sub: sub, handler: h}
}

// HasHandler reports whether a handler is registered for source.
func (b *Base) HasHandler(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.registered[source]
	return ok
}

// Sources returns every registered source, sorted.
func (b *Base) Sources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.registered))
	for src := range b.registered {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Deliver passes msg to the handler registered for source. It returns false
// when no handler is registered. A panicking handler is logged, not propagated.
func (b *Base) Deliver(source, msg string) bool {
	b.mu.Lock()
	reg, ok := b.registered[source]
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.invoke(reg, msg)
	return true
}

func (b *Base) invoke(reg registration, msg string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("command handler panic recovered",
				"source", reg.sub.Source,
				"device", reg.sub.Endpoint.Device,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	reg.handler(msg)
}

// Admit reports whether the transport should send p now. While the channel
// is online p also becomes the endpoint's last value. Otherwise Admit returns
// false and, if the endpoint asks for it, keeps p for replay on reconnect.
func (b *Base) Admit(p Publication) bool {
	key := p.Endpoint.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Link actions publish from PRE_ONLINE, and the link is already up then.
	if b.state == StateOnline || b.state == StatePreOnline {
		b.last[key] = p.Value
		return true
	}

	action := p.Endpoint.OnReconnect
	if !action.SendReadings {
		b.log.Debug("channel not online, dropping", "device", p.Endpoint.Device, "state", b.state.String())
		return false
	}
	limit := action.NumberOfReadings
	if limit < 1 {
		limit = 1
	}
	buf := append(b.buffers[key], p)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	b.buffers[key] = buf
	return false
}

// LastValue returns the last value sent while online for endpoint key.
func (b *Base) LastValue(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.last[key]
	return v, ok
}

// Connecting marks the start of a connection attempt.
func (b *Base) Connecting() {
	b.mu.Lock()
	b.state = StateConnecting
	b.mu.Unlock()
}

// Online moves the channel to ONLINE. Buffered publications are handed to
// send in their original order. On every transition except the first, the
// reconnect actions of registered actuators run before the state becomes
// ONLINE.
func (b *Base) Online(send func(Publication)) {
	b.mu.Lock()
	if b.state == StateOnline {
		b.mu.Unlock()
		return
	}
	b.state = StatePreOnline
	first := !b.wasOnline
	b.wasOnline = true

	keys := make([]string, 0, len(b.buffers))
	for k := range b.buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var replay []Publication
	for _, k := range keys {
		replay = append(replay, b.buffers[k]...)
	}
	b.buffers = make(map[string][]Publication)

	var actions []pendingAction
	if !first {
		actions = b.reconnectActions()
	}
	b.mu.Unlock()

	b.log.Info("channel online", "channel", b.name, "replayed", len(replay))
	if send != nil {
		for _, p := range replay {
			send(p)
		}
	}
	b.run(actions)

	b.mu.Lock()
	b.state = StateOnline
	b.mu.Unlock()
}

// Offline moves the channel to OFFLINE, running the disconnect actions of
// registered actuators if the channel had been online.
func (b *Base) Offline() {
	b.mu.Lock()
	if b.state == StateOffline {
		b.mu.Unlock()
		return
	}
	wasOnline := b.state == StateOnline
	b.state = StatePreOffline
	var actions []pendingAction
	if wasOnline {
		actions = b.disconnectActions()
	}
	b.mu.Unlock()

	if wasOnline {
		b.log.Warn("channel offline", "channel", b.name)
	}
	b.run(actions)

	b.mu.Lock()
	b.state = StateOffline
	b.mu.Unlock()
}

type pendingAction struct {
	reg   registration
	value string
}

// reconnectActions must be called with mu held.
func (b *Base) reconnectActions() []pendingAction {
	var out []pendingAction
	seen := make(map[string]bool)
	for _, src := range b.sortedSourcesLocked() {
		reg := b.registered[src]
		ep := reg.sub.Endpoint
		a := ep.OnReconnect
		if (!a.ChangeState && !a.ResumeLastState) || seen[ep.Key()] {
			continue
		}
		value := a.TargetState
		if last, ok := b.last[ep.Key()]; a.ResumeLastState && ok {
			value = last
		}
		if value == "" {
			continue
		}
		seen[ep.Key()] = true
		out = append(out, pendingAction{reg: reg, value: value})
	}
	return out
}

// disconnectActions must be called with mu held.
func (b *Base) disconnectActions() []pendingAction {
	var out []pendingAction
	seen := make(map[string]bool)
	for _, src := range b.sortedSourcesLocked() {
		reg := b.registered[src]
		ep := reg.sub.Endpoint
		if !ep.OnDisconnect.ChangeState || seen[ep.Key()] {
			continue
		}
		seen[ep.Key()] = true
		out = append(out, pendingAction{reg: reg, value: ep.OnDisconnect.TargetState})
	}
	return out
}

func (b *Base) sortedSourcesLocked() []string {
	out := make([]string, 0, len(b.registered))
	for src := range b.registered {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (b *Base) run(actions []pendingAction) {
	for _, a := range actions {
		b.log.Info("link action", "device", a.reg.sub.Endpoint.Device, "value", a.value)
		b.invoke(a.reg, a.value)
	}
}
