package transition

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Options tune a Dimmer.
type Options struct {
	// StepInterval is the pause between steps of a smooth change.
	// Zero applies changes immediately.
	StepInterval time.Duration
	// HoldDelay is the pause before a hold ramp starts moving.
	HoldDelay time.Duration
	// HoldInterval is the pause between steps of a hold ramp.
	HoldInterval time.Duration
	// Step is the size of one step. Values below 1 mean 1.
	Step int
	// Min and Max bound every value written.
	Min, Max int
	// StopTimeout bounds how long a command waits for the running ramp to exit.
	StopTimeout time.Duration
}

// DefaultOptions returns the timings used by PWM dimmers.
func DefaultOptions() Options {
	return Options{
		StepInterval: 50 * time.Millisecond,
		HoldDelay:    500 * time.Millisecond,
		HoldInterval: 200 * time.Millisecond,
		Step:         5,
		Min:          0,
		Max:          100,
		StopTimeout:  200 * time.Millisecond,
	}
}

// Logger is the logging interface used by Dimmer.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type mode int

const (
	modeSmooth mode = iota + 1
	modeHold
)

type task struct {
	mode   mode
	cancel context.CancelFunc
	done   chan struct{}
}

// Dimmer moves an output level toward a target in steps on a background
// goroutine. A new command cancels the running ramp before starting its
// own, so at most one ramp is active at any time.
//
// Two kinds of ramp exist:
//   - Apply: a smooth change to an explicit target
//   - StartHold/StopHold: a manual dim while a button is held. The ramp
//     heads for Min (or Max when already at Min), reverses once at Min,
//     and stops where it is when StopHold is called.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Commands are serialised.
type Dimmer struct {
	opts  Options
	write func(level int) error
	log   Logger

	// cmdMu serialises Apply, StartHold, StopHold and Stop.
	cmdMu sync.Mutex

	mu        sync.Mutex
	current   int
	target    int
	holdStart int
	holding   bool
	// pending marks a stopped hold whose ramp outlived StopTimeout; the
	// next StopHold reports it.
	pending bool
	task    *task

	active atomic.Int32
}

// New creates a Dimmer at level initial. write is called with every new
// level, from the caller's goroutine for immediate changes and from the
// ramp goroutine otherwise. A nil logger discards output.
func New(initial int, write func(level int) error, opts Options, log Logger) *Dimmer {
	if opts.Step < 1 {
		opts.Step = 1
	}
	if opts.Max <= opts.Min {
		opts.Min, opts.Max = 0, 100
	}
	if log == nil {
		log = noopLogger{}
	}
	d := &Dimmer{opts: opts, write: write, log: log}
	d.current = d.clamp(initial)
	d.target = d.current
	return d
}

// Current returns the level last written.
func (d *Dimmer) Current() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Target returns the level the dimmer is heading for, or the current level
// when idle.
func (d *Dimmer) Target() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Active returns the number of running ramp goroutines (0 or 1).
func (d *Dimmer) Active() int {
	return int(d.active.Load())
}

// Holding reports whether a hold is in progress.
func (d *Dimmer) Holding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holding
}

// Apply moves to target, cancelling any running ramp or hold first.
func (d *Dimmer) Apply(target int) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	target = d.clamp(target)
	d.stopTask()

	d.mu.Lock()
	d.holding = false
	d.pending = false
	d.target = target
	d.mu.Unlock()

	if d.opts.StepInterval <= 0 {
		if err := d.write(target); err != nil {
			d.log.Error("writing level failed", "level", target, "error", err)
			return
		}
		d.mu.Lock()
		d.current = target
		d.mu.Unlock()
		return
	}

	d.start(modeSmooth, target, d.opts.StepInterval, 0)
}

// StartHold begins a manual dim. It is ignored while a smooth change or
// another hold is in progress.
func (d *Dimmer) StartHold() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	if d.task != nil || d.holding {
		d.mu.Unlock()
		d.log.Debug("transition in progress, ignoring hold")
		return
	}
	d.holding = true
	if !d.pending {
		d.holdStart = d.current
	}
	d.pending = false
	target := d.opts.Max
	if d.current > d.opts.Min {
		target = d.opts.Min
	}
	d.target = target
	d.mu.Unlock()

	d.start(modeHold, target, d.opts.HoldInterval, d.opts.HoldDelay)
}

// StopHold ends a manual dim and returns the level reached. changed is false
// when no hold was in progress, when the level did not move, or when the ramp
// did not exit within StopTimeout. In the last case the hold stays pending
// and the following StopHold reports the level it finally reached.
func (d *Dimmer) StopHold() (level int, changed bool) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	if !d.holding && !d.pending {
		cur := d.current
		d.mu.Unlock()
		return cur, false
	}
	d.holding = false
	t := d.task
	start := d.holdStart
	d.mu.Unlock()

	if t != nil && !d.cancelAndWait(t) {
		d.log.Warn("hold ramp did not exit in time, level not reported", "timeout", d.opts.StopTimeout)
		d.mu.Lock()
		d.pending = true
		d.target = d.current
		cur := d.current
		d.mu.Unlock()
		return cur, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	d.target = d.current
	return d.current, d.current != start
}

// Stop cancels any running ramp and waits up to StopTimeout for it to exit.
func (d *Dimmer) Stop() {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.stopTask()
	d.mu.Lock()
	d.holding = false
	d.pending = false
	d.target = d.current
	d.mu.Unlock()
}

// stopTask cancels the running task, if any. Must be called with cmdMu held.
func (d *Dimmer) stopTask() {
	d.mu.Lock()
	t := d.task
	d.mu.Unlock()
	if t != nil && !d.cancelAndWait(t) {
		d.log.Warn("previous ramp did not exit in time", "timeout", d.opts.StopTimeout)
	}
}

// cancelAndWait cancels t and waits up to StopTimeout for it to finish.
func (d *Dimmer) cancelAndWait(t *task) bool {
	t.cancel()
	timeout := d.opts.StopTimeout
	if timeout <= 0 {
		<-t.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// start launches a ramp. Must be called with cmdMu held and no task running.
func (d *Dimmer) start(m mode, target int, interval, delay time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{mode: m, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.task = t
	d.mu.Unlock()

	d.active.Add(1)
	go d.ramp(ctx, t, target, interval, delay)
}

func (d *Dimmer) ramp(ctx context.Context, t *task, target int, interval, delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("ramp panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
		d.mu.Lock()
		if d.task == t {
			d.task = nil
			if t.mode == modeHold {
				d.target = d.current
			}
		}
		d.mu.Unlock()
		d.active.Add(-1)
		t.cancel()
		close(t.done)
	}()

	if !sleep(ctx, delay) {
		return
	}

	hold := t.mode == modeHold
	reversed := false
	turnsAt := func(level int) bool {
		return hold && !reversed && level == d.opts.Min && target == d.opts.Min
	}

	for {
		cur := d.Current()
		if cur == target {
			if !turnsAt(cur) {
				return
			}
			reversed = true
			target = d.opts.Max
			d.mu.Lock()
			d.target = target
			d.mu.Unlock()
		}

		next := d.stepToward(cur, target)
		if ctx.Err() != nil {
			return
		}
		if err := d.write(next); err != nil {
			d.log.Error("writing level failed", "level", next, "error", err)
			return
		}
		d.mu.Lock()
		d.current = next
		d.mu.Unlock()

		if next == target && !turnsAt(next) {
			return
		}
		if !sleep(ctx, interval) {
			return
		}
	}
}

// stepToward returns the next level from cur toward target, snapping to
// target once it is within one step.
func (d *Dimmer) stepToward(cur, target int) int {
	diff := target - cur
	if diff < 0 {
		diff = -diff
	}
	if diff <= d.opts.Step {
		return d.clamp(target)
	}
	if target > cur {
		return d.clamp(cur + d.opts.Step)
	}
	return d.clamp(cur - d.opts.Step)
}

func (d *Dimmer) clamp(v int) int {
	if v < d.opts.Min {
		return d.opts.Min
	}
	if v > d.opts.Max {
		return d.opts.Max
	}
	return v
}

// sleep waits for dur or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
