// Package influx provides a write-only channel that records every
// publication as an InfluxDB point.
//
// Numbers are written to the field "value", anything else to "text". Each
// point is tagged with the device, the slot (when not the default) and the
// destination, which lets one bucket hold every device:
//
//	ConnectionInflux:
//	  Class: influxdb
//	  Name: influx
//	  URL: http://influxdb:8086
//	  Token: ${INFLUX_TOKEN}
//	  Org: home
//	  Bucket: sensors
//	  Measurement: readings
//	  BatchSize: 100
//	  FlushInterval: 10
//
// The channel accepts no commands; registrations are logged and ignored.
package influx

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/influxdb"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "influxdb"

const (
	defaultMeasurement = "sensor_reporter"
	connectTimeout     = 10 * time.Second
)

func init() {
	connection.Register(Class, New)
}

// writer is the part of influxdb.Client the channel uses.
type writer interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
	SetOnError(func(err error))
	Close() error
}

var connect = func(ctx context.Context, cfg influxdb.Config) (writer, error) {
	return influxdb.Connect(ctx, cfg)
}

// Channel is the InfluxDB channel.
type Channel struct {
	*connection.Base
	log         connection.Logger
	client      writer
	measurement string
}

// New connects to InfluxDB. An unreachable server fails construction.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfig(section)
	if err != nil {
		return nil, err
	}
	measurement, err := section.StringOr("Measurement", defaultMeasurement)
	if err != nil {
		return nil, err
	}

	c := &Channel{log: env.Log(), measurement: measurement}
	c.Base = connection.NewBase(name, c.log)
	c.Connecting()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client.SetOnError(func(err error) {
		c.log.Error("InfluxDB write failed", "error", err)
	})
	c.client = client

	c.log.Info("connected to InfluxDB", "url", cfg.URL, "bucket", cfg.Bucket, "measurement", measurement)
	c.Online(nil)
	return c, nil
}

func parseConfig(section config.Section) (influxdb.Config, error) {
	var cfg influxdb.Config
	var err error
	if cfg.URL, err = section.String("URL"); err != nil {
		return cfg, err
	}
	if cfg.Token, err = section.StringOr("Token", ""); err != nil {
		return cfg, err
	}
	if cfg.Org, err = section.StringOr("Org", ""); err != nil {
		return cfg, err
	}
	if cfg.Bucket, err = section.String("Bucket"); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = section.IntOr("BatchSize", 0); err != nil {
		return cfg, err
	}
	if cfg.FlushInterval, err = section.SecondsOr("FlushInterval", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fields maps a published value onto point fields.
func fields(value string) map[string]any {
	if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return map[string]any{"value": f}
	}
	return map[string]any{"text": value}
}

// Publish queues one point per state destination.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	f := fields(p.Value)
	for _, dest := range p.Endpoint.StateDests {
		tags := map[string]string{
			"device":      p.Endpoint.Device,
			"destination": dest,
		}
		if p.Endpoint.Slot != "" {
			tags["slot"] = p.Endpoint.Slot
		}
		c.client.WritePoint(c.measurement, tags, f)
	}
}

// Register is a no-op: InfluxDB does not send commands.
func (c *Channel) Register(sub routing.Subscription, _ connection.Handler) {
	c.log.Warn("InfluxDB channel does not accept commands", "source", sub.Source, "device", sub.Endpoint.Device)
}

// Disconnect flushes pending points and closes the client.
func (c *Channel) Disconnect() {
	c.Offline()
	if err := c.client.Close(); err != nil {
		c.log.Error("closing InfluxDB client", "error", err)
	}
}
