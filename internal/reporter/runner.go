package reporter

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/logging"
	"github.com/nerrad567/sensor-reporter/internal/scheduler"
)

// Runner owns the active generation.
//
// Thread Safety:
//   - Refresh may be called from any goroutine, including channel callbacks.
//   - Run must be called once.
type Runner struct {
	load    func() (*config.Config, error)
	builder *Builder
	log     *logging.Logger

	current atomic.Pointer[scheduler.Manager]
}

// NewRunner creates a Runner that reads its configuration with load and
// builds generations with b. The builder's Refresh is pointed at the Runner.
func NewRunner(load func() (*config.Config, error), b *Builder, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	r := &Runner{load: load, builder: b, log: log}
	if b.Logger == nil {
		b.Logger = log
	}
	b.Refresh = r.Refresh
	return r
}

// Refresh asks the active generation to republish every device's state.
// It returns at once; the publishing happens on its own goroutine.
func (r *Runner) Refresh(reason string) {
	m := r.current.Load()
	if m == nil {
		r.log.Debug("refresh requested with no active generation", "reason", reason)
		return
	}
	r.log.Info("refreshing device states", "reason", reason)
	go m.Report()
}

// Current returns the active manager, or nil between generations.
func (r *Runner) Current() *scheduler.Manager {
	return r.current.Load()
}

// Run builds and starts the first generation, then swaps generations on
// every receive from reload until ctx is cancelled.
//
// The first load or build failing is returned. Later failures are logged:
// a configuration that does not load leaves the running generation in
// place; a generation that does not build leaves nothing running until the
// next reload succeeds.
func (r *Runner) Run(ctx context.Context, reload <-chan struct{}) error {
	cfg, err := r.load()
	if err != nil {
		return err
	}
	gen, err := r.builder.Build(cfg)
	if err != nil {
		return err
	}

	for {
		if gen != nil {
			m := gen.Manager
			done := make(chan error, 1)
			r.current.Store(m)
			go func() { done <- m.Start(ctx) }()

			next, stop, err := r.awaitReload(ctx, reload, m, done)
			if stop {
				return err
			}
			gen = next
			continue
		}

		// Nothing running: wait for a reload that builds.
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			gen = r.rebuild()
		}
	}
}

// awaitReload blocks while m runs. It returns the next generation after a
// reload, or stop=true when the runner should exit.
func (r *Runner) awaitReload(ctx context.Context, reload <-chan struct{}, m *scheduler.Manager, done <-chan error) (*Generation, bool, error) {
	for {
		select {
		case <-ctx.Done():
			r.current.Store(nil)
			m.Stop()
			<-done
			return nil, true, nil
		case err := <-done:
			r.current.Store(nil)
			if err == nil && ctx.Err() == nil {
				err = errors.New("reporter: generation stopped unexpectedly")
			}
			return nil, true, err
		case <-reload:
			r.log.Info("reload requested")
			cfg, err := r.load()
			if err != nil {
				r.log.Error("reload failed, keeping current configuration", "error", err)
				continue
			}
			r.current.Store(nil)
			m.Stop()
			<-done
			return r.build(cfg), false, nil
		}
	}
}

// rebuild loads and builds, returning nil on any failure.
func (r *Runner) rebuild() *Generation {
	cfg, err := r.load()
	if err != nil {
		r.log.Error("reload failed", "error", err)
		return nil
	}
	return r.build(cfg)
}

func (r *Runner) build(cfg *config.Config) *Generation {
	gen, err := r.builder.Build(cfg)
	if err != nil {
		r.log.Error("building generation failed, waiting for next reload", "error", err)
		return nil
	}
	r.log.Info("generation built",
		"sensors", len(gen.Sensors),
		"actuators", len(gen.Actuators),
		"channels", len(gen.Channels),
		"failed", len(gen.Failed),
		"failed_channels", len(gen.FailedChannels),
	)
	return gen
}
