// Package arp provides a sensor that reports whether a MAC address is in
// the kernel's ARP table.
//
//	SensorPhone:
//	  Class: arp
//	  MAC: 3c:22:fb:12:34:56
//	  Poll: 10
//	  Values: ["home", "away"]
//	  Connections:
//	    mqtt:
//	      StateDest: presence/phone
//
// Only changes are published; PublishState republishes the current value.
package arp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this sensor.
const Class = "arp"

// DefaultTable is the Linux ARP table.
const DefaultTable = "/proc/net/arp"

// macColumn is the "HW address" column of /proc/net/arp.
const macColumn = 3

func init() {
	device.Register(device.KindSensor, Class, New)
}

// Sensor watches the ARP table for one MAC address.
type Sensor struct {
	*device.Base
	mac    string
	path   string
	values device.Values

	mu      sync.Mutex
	present *bool
}

// New creates an ARP sensor and reads the table once.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	mac, err := section.String("MAC")
	if err != nil {
		return nil, err
	}
	path, err := section.StringOr("ArpTable", DefaultTable)
	if err != nil {
		return nil, err
	}
	values, err := device.ParseValues(section)
	if err != nil {
		return nil, err
	}
	if base.PollInterval() <= 0 {
		return nil, fmt.Errorf("%w: arp sensor %s needs a positive Poll", device.ErrInvalidConfig, base.Name())
	}

	s := &Sensor{
		Base:   base,
		mac:    strings.ToLower(strings.TrimSpace(mac)),
		path:   path,
		values: values,
	}
	s.Describe("", routing.Meta{Name: "Presence", DataType: routing.TypeBoolean})
	s.Log().Info("configured ARP sensor", "mac", s.mac, "table", path)

	if err := s.CheckState(context.Background()); err != nil {
		s.Log().Warn("first ARP check failed", "error", err)
	}
	return s, nil
}

// CheckState reads the table and publishes when presence changed.
func (s *Sensor) CheckState(context.Context) error {
	found, err := s.lookup()
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.present == nil || *s.present != found
	s.present = &found
	s.mu.Unlock()

	if changed {
		s.Log().Debug("presence changed", "mac", s.mac, "present", found)
		s.PublishState()
	}
	return nil
}

// PublishState publishes the current presence, once it is known.
func (s *Sensor) PublishState() {
	s.mu.Lock()
	p := s.present
	s.mu.Unlock()
	if p == nil {
		return
	}
	s.PublishEach("", s.values.Publisher(*p))
}

func (s *Sensor) lookup() (bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return false, fmt.Errorf("reading ARP table: %w", err)
	}
	defer f.Close()
	return Contains(f, s.mac)
}

// Contains reports whether the ARP table read from r lists mac. The header
// line and incomplete entries are skipped.
func Contains(r io.Reader, mac string) (bool, error) {
	mac = strings.ToLower(mac)
	scanner := bufio.NewScanner(r)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) <= macColumn {
			continue
		}
		if strings.ToLower(fields[macColumn]) == mac {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("parsing ARP table: %w", err)
	}
	return false, nil
}
