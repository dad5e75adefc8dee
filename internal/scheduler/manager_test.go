package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// ============================================================================
// Test helpers
// ============================================================================

// recorder collects lifecycle events from every fake in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeDevice struct {
	name     string
	interval time.Duration
	rec      *recorder

	// block, when set, holds CheckState until closed, ignoring ctx.
	block chan struct{}
	// panics makes every CheckState panic.
	panics bool
	err    error

	polls     atomic.Int32
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	published atomic.Int32
	cleanups  atomic.Int32
}

func (d *fakeDevice) Name() string                { return d.name }
func (d *fakeDevice) PollInterval() time.Duration { return d.interval }

func (d *fakeDevice) CheckState(context.Context) error {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		peak := d.maxFlight.Load()
		if n <= peak || d.maxFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	d.polls.Add(1)
	if d.block != nil {
		<-d.block
		d.rec.add("poll-done:" + d.name)
	}
	if d.panics {
		panic("sensor exploded")
	}
	return d.err
}

func (d *fakeDevice) PublishState() { d.published.Add(1) }

func (d *fakeDevice) Cleanup() {
	d.cleanups.Add(1)
	d.rec.add("cleanup:" + d.name)
}

type fakeChannel struct {
	name        string
	rec         *recorder
	disconnects atomic.Int32
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Publish(connection.Publication) {}

func (c *fakeChannel) Register(routing.Subscription, connection.Handler) {}

func (c *fakeChannel) Disconnect() {
	c.disconnects.Add(1)
	c.rec.add("disconnect:" + c.name)
}

type fakeShared struct{ rec *recorder }

func (s fakeShared) Close() error {
	s.rec.add("shared-close")
	return nil
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *testLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *testLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *testLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *testLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

// run starts m in the background and returns a channel receiving Start's result.
func run(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()
	return errCh
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", within)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_RejectsDuplicateNames(t *testing.T) {
	gen := Generation{
		Sensors:   []device.Device{&fakeDevice{name: "porch"}},
		Actuators: []device.Device{&fakeDevice{name: "porch"}},
	}
	_, err := New(gen, Options{})
	if !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("New() error = %v, want ErrDuplicateDevice", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(Generation{}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.opts.Tick != defaultTick || m.opts.StopTimeout != defaultStopTimeout {
		t.Errorf("opts = %+v, want default tick and stop timeout", m.opts)
	}
	if m.Status() != StatusCreated {
		t.Errorf("Status() = %s, want created", m.Status())
	}
}

// ============================================================================
// Polling
// ============================================================================

func TestStart_PollsOncePerInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for 2.5s")
	}
	dev := &fakeDevice{name: "temp", interval: time.Second}
	m, err := New(Generation{Sensors: []device.Device{dev}}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	time.Sleep(2500 * time.Millisecond)
	m.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if n := dev.polls.Load(); n < 2 || n > 3 {
		t.Errorf("polls = %d, want 2 or 3", n)
	}
	if dev.maxFlight.Load() > 1 {
		t.Errorf("max concurrent polls = %d, want 1", dev.maxFlight.Load())
	}
}

func TestStart_SkipsBusyDevice(t *testing.T) {
	log := &testLogger{}
	slow := &fakeDevice{name: "slow", interval: 20 * time.Millisecond, block: make(chan struct{})}
	fast := &fakeDevice{name: "fast", interval: 20 * time.Millisecond}
	m, err := New(Generation{Sensors: []device.Device{slow, fast}}, Options{
		Tick:   5 * time.Millisecond,
		Logger: log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	waitFor(t, time.Second, func() bool { return slow.polls.Load() == 1 })
	first, ok := m.LastPoll("slow")
	if !ok {
		t.Fatal("LastPoll(slow) not recorded")
	}

	waitFor(t, time.Second, func() bool { return m.Skipped("slow") >= 2 })

	if got := slow.polls.Load(); got != 1 {
		t.Errorf("slow polls = %d while busy, want 1", got)
	}
	if last, _ := m.LastPoll("slow"); !last.Equal(first) {
		t.Errorf("LastPoll changed by a skipped poll: %v -> %v", first, last)
	}
	if fast.polls.Load() < 2 {
		t.Errorf("fast polls = %d, want other devices unaffected", fast.polls.Load())
	}
	if log.count("warn", "device still polling, skipping") == 0 {
		t.Error("skip was not logged as a warning")
	}

	close(slow.block)
	m.Stop()
	<-errCh

	if slow.maxFlight.Load() != 1 {
		t.Errorf("max concurrent polls = %d, want 1", slow.maxFlight.Load())
	}
}

func TestStart_EventDrivenDeviceNotPolled(t *testing.T) {
	dev := &fakeDevice{name: "button"}
	m, err := New(Generation{Sensors: []device.Device{dev}}, Options{Tick: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	<-errCh

	if dev.polls.Load() != 0 {
		t.Errorf("polls = %d, want 0 for zero interval", dev.polls.Load())
	}
	if _, ok := m.LastPoll("button"); ok {
		t.Error("LastPoll recorded for an event-driven device")
	}
	if dev.cleanups.Load() != 1 {
		t.Errorf("cleanups = %d, want 1", dev.cleanups.Load())
	}
}

func TestStart_ContainsPanicsAndErrors(t *testing.T) {
	log := &testLogger{}
	bad := &fakeDevice{name: "bad", interval: 10 * time.Millisecond, panics: true}
	failing := &fakeDevice{name: "failing", interval: 10 * time.Millisecond, err: fmt.Errorf("read timeout")}
	good := &fakeDevice{name: "good", interval: 10 * time.Millisecond}
	m, err := New(Generation{Sensors: []device.Device{bad, failing, good}}, Options{
		Tick:   5 * time.Millisecond,
		Logger: log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	waitFor(t, time.Second, func() bool {
		return bad.polls.Load() >= 3 && good.polls.Load() >= 3
	})
	if m.Status() != StatusRunning {
		t.Errorf("Status() = %s after panics, want running", m.Status())
	}
	m.Stop()
	<-errCh

	if log.count("error", "device poll panicked") == 0 {
		t.Error("panic was not logged")
	}
	if log.count("error", "device poll failed") == 0 {
		t.Error("poll error was not logged")
	}
}

// ============================================================================
// Stop
// ============================================================================

func TestStop_WaitsForInFlightThenCleansUpInOrder(t *testing.T) {
	rec := &recorder{}
	sensor := &fakeDevice{name: "sensor", interval: time.Hour, rec: rec, block: make(chan struct{})}
	actuator := &fakeDevice{name: "actuator", rec: rec}
	ch := &fakeChannel{name: "mqtt", rec: rec}

	m, err := New(Generation{
		Sensors:   []device.Device{sensor},
		Actuators: []device.Device{actuator},
		Channels:  []connection.Channel{ch},
		Shared:    fakeShared{rec: rec},
	}, Options{Tick: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	waitFor(t, time.Second, func() bool { return sensor.polls.Load() == 1 })

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a poll was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if sensor.cleanups.Load() != 0 {
		t.Fatal("Cleanup ran before the in-flight poll finished")
	}

	close(sensor.block)
	<-stopped
	<-errCh

	want := []string{"poll-done:sensor", "cleanup:sensor", "cleanup:actuator", "shared-close", "disconnect:mqtt"}
	got := rec.list()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	m.Stop()
	if sensor.cleanups.Load() != 1 || actuator.cleanups.Load() != 1 || ch.disconnects.Load() != 1 {
		t.Errorf("cleanups = %d/%d, disconnects = %d; want exactly once each",
			sensor.cleanups.Load(), actuator.cleanups.Load(), ch.disconnects.Load())
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %s, want stopped", m.Status())
	}
}

func TestStop_BoundedByTimeout(t *testing.T) {
	log := &testLogger{}
	hung := &fakeDevice{name: "hung", interval: time.Hour, block: make(chan struct{})}
	defer close(hung.block)

	m, err := New(Generation{Sensors: []device.Device{hung}}, Options{
		Tick:        5 * time.Millisecond,
		StopTimeout: 30 * time.Millisecond,
		Logger:      log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errCh := run(t, m)
	waitFor(t, time.Second, func() bool { return hung.polls.Load() == 1 })

	start := time.Now()
	m.Stop()
	<-errCh

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v, want bounded by StopTimeout", elapsed)
	}
	if hung.cleanups.Load() != 1 {
		t.Errorf("cleanups = %d, want 1", hung.cleanups.Load())
	}
	if log.count("warn", "polls still running after stop timeout") != 1 {
		t.Error("timeout was not logged")
	}
}

func TestStop_BeforeStart(t *testing.T) {
	dev := &fakeDevice{name: "idle", interval: time.Second}
	m, err := New(Generation{Sensors: []device.Device{dev}}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.Stop()
	if dev.cleanups.Load() != 1 {
		t.Errorf("cleanups = %d, want 1", dev.cleanups.Load())
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
	if dev.polls.Load() != 0 {
		t.Error("stopped manager polled")
	}
}

func TestStart_Twice(t *testing.T) {
	m, err := New(Generation{}, Options{Tick: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	errCh := run(t, m)
	waitFor(t, time.Second, func() bool { return m.Status() == StatusRunning })

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	m.Stop()
	<-errCh
}

func TestStart_ContextCancelStops(t *testing.T) {
	dev := &fakeDevice{name: "temp", interval: time.Hour}
	m, err := New(Generation{Sensors: []device.Device{dev}}, Options{Tick: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx) }()
	waitFor(t, time.Second, func() bool { return dev.polls.Load() == 1 })

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after cancel")
	}
	if dev.cleanups.Load() != 1 {
		t.Errorf("cleanups = %d, want 1", dev.cleanups.Load())
	}
}

// ============================================================================
// Report
// ============================================================================

func TestReport(t *testing.T) {
	sensor := &fakeDevice{name: "sensor", interval: time.Hour}
	actuator := &fakeDevice{name: "relay"}
	m, err := New(Generation{
		Sensors:   []device.Device{sensor},
		Actuators: []device.Device{actuator},
	}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.Report()
	m.Report()
	if sensor.published.Load() != 2 || actuator.published.Load() != 2 {
		t.Errorf("published = %d/%d, want 2/2", sensor.published.Load(), actuator.published.Load())
	}

	m.Stop()
	m.Report()
	if sensor.published.Load() != 2 {
		t.Error("Report published after Stop")
	}
}
