// Package sysinfo provides a sensor that reports host CPU, memory and load.
//
//	SensorHost:
//	  Class: sysinfo
//	  Poll: 30
//	  Connections:
//	    mqtt:
//	      CPU:
//	        StateDest: host/cpu
//	      Memory:
//	        StateDest: host/memory
//	      Load:
//	        StateDest: host/load1
//
// Percentages outside 0..100 and negative load averages are dropped, and
// the previous value stays published.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this sensor.
const Class = "sysinfo"

// Slots the sensor publishes to.
const (
	SlotCPU    = "CPU"
	SlotMemory = "Memory"
	SlotLoad   = "Load"
)

func init() {
	device.Register(device.KindSensor, Class, New)
}

// probe reads one metric.
type probe func(ctx context.Context) (float64, error)

type metric struct {
	slot  string
	read  probe
	valid func(float64) bool
}

var (
	readCPU probe = func(ctx context.Context) (float64, error) {
		// Interval 0 compares against the previous call.
		pct, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, err
		}
		if len(pct) == 0 {
			return 0, errors.New("sysinfo: no CPU reading")
		}
		return pct[0], nil
	}
	readMemory probe = func(ctx context.Context) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	}
	readLoad probe = func(ctx context.Context) (float64, error) {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return avg.Load1, nil
	}
)

func percent(v float64) bool { return v >= 0 && v <= 100 }

// Sensor publishes host metrics every poll.
type Sensor struct {
	*device.Base
	metrics []metric

	mu   sync.Mutex
	last map[string]string
}

// New creates a sysinfo sensor. Poll must be positive.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	if base.PollInterval() <= 0 {
		return nil, fmt.Errorf("%w: sysinfo sensor %s needs a positive Poll", device.ErrInvalidConfig, base.Name())
	}

	s := &Sensor{
		Base: base,
		metrics: []metric{
			{SlotCPU, readCPU, percent},
			{SlotMemory, readMemory, percent},
			{SlotLoad, readLoad, func(v float64) bool { return v >= 0 }},
		},
		last: make(map[string]string),
	}
	s.Describe(SlotCPU, routing.Meta{Name: "CPU usage", DataType: routing.TypeFloat, Unit: "%", Restrictions: "0:100"})
	s.Describe(SlotMemory, routing.Meta{Name: "Memory usage", DataType: routing.TypeFloat, Unit: "%", Restrictions: "0:100"})
	s.Describe(SlotLoad, routing.Meta{Name: "Load average (1 min)", DataType: routing.TypeFloat})

	s.Log().Info("configured sysinfo sensor", "interval", base.PollInterval())
	return s, nil
}

// CheckState reads every metric and publishes the valid ones. Failed reads
// are joined into the returned error.
func (s *Sensor) CheckState(ctx context.Context) error {
	var errs []error
	for _, m := range s.metrics {
		v, err := m.read(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.slot, err))
			continue
		}
		if !m.valid(v) {
			s.Log().Warn("reading out of range, dropped", "slot", m.slot, "value", v)
			continue
		}
		value := strconv.FormatFloat(v, 'f', 1, 64)
		s.mu.Lock()
		s.last[m.slot] = value
		s.mu.Unlock()
		s.PublishSlot(m.slot, value)
	}
	return errors.Join(errs...)
}

// PublishState republishes the last valid reading of every metric.
func (s *Sensor) PublishState() {
	for _, m := range s.metrics {
		s.mu.Lock()
		v, ok := s.last[m.slot]
		s.mu.Unlock()
		if ok {
			s.PublishSlot(m.slot, v)
		}
	}
}
