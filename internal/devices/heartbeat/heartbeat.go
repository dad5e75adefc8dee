// Package heartbeat provides a sensor that reports how long it has been
// running.
//
//	SensorHeartbeat:
//	  Class: heartbeat
//	  Poll: 60
//	  Connections:
//	    mqtt:
//	      Uptime:
//	        StateDest: heartbeat/msec
//	      UptimeStr:
//	        StateDest: heartbeat/str
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this sensor.
const Class = "heartbeat"

// Slots the heartbeat publishes to.
const (
	SlotUptime    = "Uptime"
	SlotUptimeStr = "UptimeStr"
)

func init() {
	device.Register(device.KindSensor, Class, New)
}

var now = time.Now

// Heartbeat publishes its uptime in milliseconds and as [D:]HH:MM:SS.
type Heartbeat struct {
	*device.Base
	started time.Time
}

// New creates a heartbeat. Poll must be at least one second.
func New(env device.Env, section config.Section) (device.Device, error) {
	base, err := device.NewBase(env, section)
	if err != nil {
		return nil, err
	}
	if base.PollInterval() < time.Second {
		return nil, fmt.Errorf("%w: heartbeat %s needs Poll >= 1", device.ErrInvalidConfig, base.Name())
	}

	h := &Heartbeat{Base: base, started: now()}
	h.Describe(SlotUptime, routing.Meta{Name: "Uptime", DataType: routing.TypeInteger, Unit: "ms"})
	h.Describe(SlotUptimeStr, routing.Meta{Name: "Uptime string"})

	h.Log().Info("configured heartbeat", "interval", base.PollInterval())
	return h, nil
}

// CheckState publishes the current uptime.
func (h *Heartbeat) CheckState(context.Context) error {
	h.PublishState()
	return nil
}

// PublishState publishes the current uptime to both slots.
func (h *Heartbeat) PublishState() {
	up := now().Sub(h.started)
	h.PublishSlot(SlotUptime, strconv.FormatInt(up.Milliseconds(), 10))
	h.PublishSlot(SlotUptimeStr, FormatUptime(up))
}

// FormatUptime renders d as HH:MM:SS, prefixed with the day count once d
// reaches a full day.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	hms := fmt.Sprintf("%02d:%02d:%02d", secs/3600%24, secs/60%60, secs%60)
	if days > 0 {
		return fmt.Sprintf("%d:%s", days, hms)
	}
	return hms
}
