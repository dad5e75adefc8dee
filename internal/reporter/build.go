package reporter

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/logging"
	"github.com/nerrad567/sensor-reporter/internal/routing"
	"github.com/nerrad567/sensor-reporter/internal/scheduler"
)

// Builder constructs generations from configuration.
type Builder struct {
	// Channels and Devices default to the package-level registries.
	Channels *connection.Registry
	Devices  *device.Registry

	// Logger is the root logger; each channel and device gets a Named child.
	Logger *logging.Logger

	// Refresh is handed to every channel for inbound refresh requests.
	Refresh func(reason string)

	// Scheduler tunes the Manager of every generation. Logger is filled in
	// from the root logger when nil.
	Scheduler scheduler.Options
}

// Generation is a built, not yet started, set of channels and devices.
type Generation struct {
	Manager   *scheduler.Manager
	Channels  map[string]connection.Channel
	Sensors   []device.Device
	Actuators []device.Device

	// Failed maps the section key of every device left out to its error.
	Failed map[string]error
	// FailedChannels maps the section key of every channel left out to its
	// error, wrapped in ErrChannelFailed.
	FailedChannels map[string]error
}

// tabled is implemented by devices that expose their routing table.
type tabled interface {
	Table() *routing.Table
}

// Build constructs every channel and device named by cfg.
//
// Parameters:
//   - cfg: Parsed and validated configuration
//
// Returns:
//   - *Generation: Ready to start; channels and devices that failed are
//     listed in FailedChannels and Failed
//   - error: The scheduler rejected the set
func (b *Builder) Build(cfg *config.Config) (*Generation, error) {
	log := b.Logger
	if log == nil {
		log = logging.Default()
	}

	gen := &Generation{
		Failed:         make(map[string]error),
		FailedChannels: make(map[string]error),
	}
	channels, ordered := b.buildChannels(cfg, log, gen.FailedChannels)
	gen.Channels = channels

	shared := device.NewShared()
	seen := make(map[string]string)

	add := func(kind device.Kind, section config.Section) device.Device {
		section = section.WithDefaults(cfg.Defaults)
		// Refuse duplicates before the factory registers any handlers.
		if name, err := device.NameOf(section); err == nil {
			if prev, dup := seen[name]; dup {
				err := fmt.Errorf("%w: %q also used by %s", scheduler.ErrDuplicateDevice, name, prev)
				log.Error("device not created", "section", section.Name(), "error", err)
				gen.Failed[section.Name()] = err
				return nil
			}
		}
		env := device.Env{
			Logger:   named(log, section),
			Channels: channels,
			Shared:   shared,
		}
		d, err := b.devices().New(kind, env, section)
		if err != nil {
			log.Error("device not created, check its configuration",
				"section", section.Name(), "kind", kind.String(), "error", err)
			gen.Failed[section.Name()] = err
			return nil
		}
		seen[d.Name()] = section.Name()
		log.Info("device created", "section", section.Name(), "name", d.Name(), "kind", kind.String())
		return d
	}

	for _, s := range cfg.Sensors {
		if d := add(device.KindSensor, s); d != nil {
			gen.Sensors = append(gen.Sensors, d)
		}
	}
	for _, s := range cfg.Actuators {
		if d := add(device.KindActuator, s); d != nil {
			gen.Actuators = append(gen.Actuators, d)
		}
	}

	announce(ordered, gen)

	opts := b.Scheduler
	if opts.Logger == nil {
		opts.Logger = log.With("component", "scheduler")
	}
	var err error
	gen.Manager, err = scheduler.New(scheduler.Generation{
		Sensors:   gen.Sensors,
		Actuators: gen.Actuators,
		Channels:  ordered,
		Shared:    shared,
	}, opts)
	if err != nil {
		for _, c := range ordered {
			c.Disconnect()
		}
		return nil, err
	}
	return gen, nil
}

// buildChannels constructs every channel concurrently. A channel that
// fails is logged, recorded in failed and left out; devices routed to it
// then fail with device.ErrUnknownChannel.
func (b *Builder) buildChannels(cfg *config.Config, log *logging.Logger, failed map[string]error) (map[string]connection.Channel, []connection.Channel) {
	built := make([]connection.Channel, len(cfg.Connections))
	errs := make([]error, len(cfg.Connections))
	refresh := b.Refresh
	if refresh == nil {
		refresh = func(string) {}
	}

	var g errgroup.Group
	for i, section := range cfg.Connections {
		section = section.WithDefaults(cfg.Defaults)
		g.Go(func() error {
			env := connection.Env{Logger: named(log, section), Refresh: refresh}
			c, err := b.channels().New(env, section)
			if err != nil {
				errs[i] = fmt.Errorf("%w: %s: %w", ErrChannelFailed, section.Name(), err)
				return nil
			}
			built[i] = c
			return nil
		})
	}
	_ = g.Wait()

	byName := make(map[string]connection.Channel, len(built))
	var ordered []connection.Channel
	for i, c := range built {
		section := cfg.Connections[i].Name()
		if errs[i] != nil {
			log.Error("channel not created, check its configuration", "section", section, "error", errs[i])
			failed[section] = errs[i]
			continue
		}
		ordered = append(ordered, c)
		byName[c.Name()] = c
		log.Info("channel created", "section", section, "name", c.Name())
	}
	return byName, ordered
}

// announce hands every device table to channels that describe devices.
func announce(channels []connection.Channel, gen *Generation) {
	var tables []*routing.Table
	for _, d := range append(append([]device.Device{}, gen.Sensors...), gen.Actuators...) {
		if t, ok := d.(tabled); ok {
			tables = append(tables, t.Table())
		}
	}
	for _, c := range channels {
		if a, ok := c.(connection.Announcer); ok {
			a.Announce(tables)
		}
	}
}

// named returns the logger for one section, honouring its Level option.
func named(log *logging.Logger, section config.Section) *logging.Logger {
	level, _ := section.StringOr("Level", "")
	return log.Named(section.Name(), level)
}

func (b *Builder) channels() *connection.Registry {
	if b.Channels != nil {
		return b.Channels
	}
	return connection.Default()
}

func (b *Builder) devices() *device.Registry {
	if b.Devices != nil {
		return b.Devices
	}
	return device.Default()
}
