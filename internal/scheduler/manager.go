package scheduler

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/device"
)

// Status is the lifecycle state of a Manager.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

const (
	defaultTick        = 500 * time.Millisecond
	defaultStopTimeout = 30 * time.Second
)

// Logger defines the logging interface for the scheduler.
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

// Options tune a Manager. Zero values take defaults.
type Options struct {
	// Tick is how often due devices are scanned for. Default 500ms.
	Tick time.Duration

	// StopTimeout bounds how long Stop waits for in-flight polls.
	// Default 30s.
	StopTimeout time.Duration

	// Logger receives scheduling events. Nil discards them.
	Logger Logger
}

// Generation is everything one configuration built.
type Generation struct {
	Sensors   []device.Device
	Actuators []device.Device
	Channels  []connection.Channel

	// Shared is closed after device cleanup and before channels disconnect.
	// May be nil.
	Shared io.Closer
}

// entry is the scheduling state of one polled device.
type entry struct {
	dev      device.Device
	name     string
	interval time.Duration

	busy     atomic.Bool
	lastPoll atomic.Int64 // unix nanos, 0 before the first poll
	skipped  atomic.Int64
}

func (e *entry) due(now time.Time) bool {
	last := e.lastPoll.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= e.interval
}

// Manager schedules the polls of one generation.
//
// Thread Safety:
//   - Start blocks; Stop and Report may be called from any goroutine.
//   - Stop is idempotent and waits for the first call to finish.
type Manager struct {
	gen  Generation
	opts Options
	log  Logger

	entries []*entry
	byName  map[string]*entry

	mu     sync.RWMutex
	status Status

	quit     chan struct{}
	loopDone chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// pollCtx is handed to every CheckState and cancelled by Stop.
	pollCtx    context.Context
	pollCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Manager for gen. Device names must be unique across sensors
// and actuators.
func New(gen Generation, opts Options) (*Manager, error) {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	m := &Manager{
		gen:      gen,
		opts:     opts,
		log:      log,
		byName:   make(map[string]*entry),
		status:   StatusCreated,
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.pollCtx, m.pollCancel = context.WithCancel(context.Background())

	seen := make(map[string]bool)
	for _, d := range m.devices() {
		name := d.Name()
		if seen[name] {
			m.pollCancel()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDevice, name)
		}
		seen[name] = true

		interval := d.PollInterval()
		if interval <= 0 {
			continue
		}
		e := &entry{dev: d, name: name, interval: interval}
		m.entries = append(m.entries, e)
		m.byName[name] = e
	}
	return m, nil
}

// devices returns sensors followed by actuators.
func (m *Manager) devices() []device.Device {
	all := make([]device.Device, 0, len(m.gen.Sensors)+len(m.gen.Actuators))
	all = append(all, m.gen.Sensors...)
	return append(all, m.gen.Actuators...)
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Done is closed once Stop has finished cleaning up.
func (m *Manager) Done() <-chan struct{} {
	return m.stopped
}

// Start runs the polling loop. It returns nil once Stop has been called, or
// stops the generation itself and returns nil when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusRunning:
		m.mu.Unlock()
		return ErrAlreadyStarted
	case StatusStopping, StatusStopped:
		m.mu.Unlock()
		return ErrStopped
	}
	m.status = StatusRunning
	m.mu.Unlock()

	m.log.Info("starting polling loop", "polled", len(m.entries), "tick", m.opts.Tick)

	cancelled := m.loop(ctx)
	close(m.loopDone)

	if cancelled {
		m.Stop()
	}
	return nil
}

// loop scans for due devices until Stop or ctx. It reports whether ctx ended it.
func (m *Manager) loop(ctx context.Context) bool {
	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	m.scan(time.Now())
	for {
		select {
		case <-m.quit:
			return false
		case <-ctx.Done():
			return true
		case now := <-ticker.C:
			select {
			case <-m.quit:
				return false
			default:
			}
			m.scan(now)
		}
	}
}

func (m *Manager) scan(now time.Time) {
	for _, e := range m.entries {
		if !e.due(now) {
			continue
		}
		if !e.busy.CompareAndSwap(false, true) {
			e.skipped.Add(1)
			m.log.Warn("device still polling, skipping", "device", e.name, "interval", e.interval)
			continue
		}
		e.lastPoll.Store(now.UnixNano())
		m.wg.Add(1)
		go m.poll(e)
	}
}

func (m *Manager) poll(e *entry) {
	defer m.wg.Done()
	defer e.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("device poll panicked",
				"device", e.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := e.dev.CheckState(m.pollCtx); err != nil {
		m.log.Error("device poll failed", "device", e.name, "error", err)
	}
}

// LastPoll returns when the named device's current or most recent poll was
// launched.
func (m *Manager) LastPoll(name string) (time.Time, bool) {
	e, ok := m.byName[name]
	if !ok {
		return time.Time{}, false
	}
	last := e.lastPoll.Load()
	if last == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, last), true
}

// Skipped returns how many polls of the named device were skipped because
// the previous one was still running.
func (m *Manager) Skipped(name string) int {
	if e, ok := m.byName[name]; ok {
		return int(e.skipped.Load())
	}
	return 0
}

// Report publishes the current state of every device now. It does nothing
// once Stop has begun.
func (m *Manager) Report() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusStopping || m.status == StatusStopped {
		return
	}

	for _, d := range m.devices() {
		m.guard("publishing state", d.Name(), d.PublishState)
	}
}

// Stop ends scheduling, waits up to StopTimeout for in-flight polls, then
// cleans up every device once and disconnects every channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.mu.Lock()
	wasRunning := m.status == StatusRunning
	m.status = StatusStopping
	m.mu.Unlock()

	close(m.quit)
	if wasRunning {
		<-m.loopDone
	}

	m.log.Info("waiting for in-flight polls")
	m.pollCancel()
	m.waitPolls()

	m.log.Info("cleaning up sensors", "count", len(m.gen.Sensors))
	for _, d := range m.gen.Sensors {
		m.guard("cleaning up", d.Name(), d.Cleanup)
	}
	m.log.Info("cleaning up actuators", "count", len(m.gen.Actuators))
	for _, d := range m.gen.Actuators {
		m.guard("cleaning up", d.Name(), d.Cleanup)
	}

	if m.gen.Shared != nil {
		if err := m.gen.Shared.Close(); err != nil {
			m.log.Error("closing shared drivers failed", "error", err)
		}
	}

	m.log.Info("disconnecting channels", "count", len(m.gen.Channels))
	for _, c := range m.gen.Channels {
		m.guard("disconnecting", c.Name(), c.Disconnect)
	}

	m.mu.Lock()
	m.status = StatusStopped
	m.mu.Unlock()
	close(m.stopped)
	m.log.Info("generation stopped")
}

func (m *Manager) waitPolls() {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn("polls still running after stop timeout",
			"timeout", m.opts.StopTimeout,
			"devices", m.busy(),
		)
	}
}

// busy returns the names of devices with a poll in flight.
func (m *Manager) busy() []string {
	var names []string
	for _, e := range m.entries {
		if e.busy.Load() {
			names = append(names, e.name)
		}
	}
	sort.Strings(names)
	return names
}

// guard runs fn, logging instead of propagating a panic.
func (m *Manager) guard(action, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(action+" panicked",
				"name", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
