// Package serialdev provides a sensor that reads one line per poll from a
// serial device.
//
//	SensorSoilMoisture:
//	  Class: serial
//	  Port: /dev/ttyUSB0
//	  Baud: 9600
//	  Request: "READ\n"
//	  Min: 0
//	  Max: 1023
//	  Poll: 60
//	  Connections:
//	    mqtt:
//	      StateDest: garden/soil
//
// With Request set it is written before each read; otherwise the sensor
// reads whatever line the device sends next. With Min or Max set the line
// must be a number in range, else it is dropped and the last good value
// stays published. Sensors naming the same Port share one connection.
package serialdev

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this sensor.
const Class = "serial"

const (
	defaultBaud    = 9600
	defaultTimeout = 2 * time.Second
)

func init() {
	device.Register(device.KindSensor, Class, New)
}

// Sensor reads a serial device.
type Sensor struct {
	*device.Base
	port    *port
	request string
	timeout time.Duration

	checkRange bool
	min, max   float64

	mu   sync.Mutex
	last string
}

// New opens (or joins) the serial port. Port and a positive Poll are
// required.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	name, err := section.String("Port")
	if err != nil {
		return nil, err
	}
	baud, err := section.IntOr("Baud", defaultBaud)
	if err != nil {
		return nil, err
	}
	if baud <= 0 {
		return nil, fmt.Errorf("%w: Baud must be positive", config.ErrInvalidOption)
	}
	if base.PollInterval() <= 0 {
		return nil, fmt.Errorf("%w: serial sensor %s needs a positive Poll", device.ErrInvalidConfig, base.Name())
	}

	s := &Sensor{Base: base, min: math.Inf(-1), max: math.Inf(1)}
	if s.request, err = section.StringOr("Request", ""); err != nil {
		return nil, err
	}
	if s.timeout, err = section.SecondsOr("Timeout", min(defaultTimeout, base.PollInterval())); err != nil {
		return nil, err
	}
	if section.Has("Min") {
		s.checkRange = true
		if s.min, err = section.Float("Min"); err != nil {
			return nil, err
		}
	}
	if section.Has("Max") {
		s.checkRange = true
		if s.max, err = section.Float("Max"); err != nil {
			return nil, err
		}
	}
	if s.min > s.max {
		return nil, fmt.Errorf("%w: serial sensor %s: Min above Max", device.ErrInvalidConfig, base.Name())
	}

	s.port, err = device.Acquire(env.Shared, "serial:"+name, func() (*port, error) {
		return newPort(name, baud)
	})
	if err != nil {
		return nil, err
	}

	meta := routing.Meta{Name: "Serial reading"}
	if s.checkRange {
		meta.DataType = routing.TypeFloat
		if !math.IsInf(s.min, 0) && !math.IsInf(s.max, 0) {
			meta.Restrictions = fmt.Sprintf("%g:%g", s.min, s.max)
		}
	}
	s.Describe("", meta)

	s.Log().Info("configured serial sensor", "port", name, "baud", baud, "request", s.request != "")
	return s, nil
}

// CheckState reads one line and publishes it when it passes the range check.
func (s *Sensor) CheckState(context.Context) error {
	line, err := s.port.exchange(s.request, s.timeout)
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if s.checkRange {
		v, err := strconv.ParseFloat(line, 64)
		if err != nil || v < s.min || v > s.max {
			s.Log().Warn("reading rejected, keeping last value", "reading", line, "min", s.min, "max", s.max)
			return nil
		}
	}

	s.mu.Lock()
	s.last = line
	s.mu.Unlock()
	s.Publish(line)
	return nil
}

// PublishState republishes the last accepted reading.
func (s *Sensor) PublishState() {
	s.mu.Lock()
	v := s.last
	s.mu.Unlock()
	if v != "" {
		s.Publish(v)
	}
}
