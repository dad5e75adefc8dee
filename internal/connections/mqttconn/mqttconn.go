// Package mqttconn provides the MQTT channel.
//
// Every destination is a topic below RootTopic. The channel keeps a retained
// status topic (<root>/status) at ONLINE while connected; the broker sets it
// to OFFLINE through the Last Will when the link drops. Any message on
// <root>/refresh, and every (re)connect, asks the generation to republish
// all device states.
//
//	ConnectionMQTT:
//	  Class: mqtt
//	  Name: broker
//	  Host: localhost
//	  Port: 1883
//	  Client: sensor-reporter-garage
//	  RootTopic: sensor_reporter
//	  User: reporter
//	  Password: ${MQTT_PASSWORD}
//	  TLS: false
//	  CAcert: /etc/ssl/certs/broker-ca.pem
//	  TLSinsecure: false
//	  Keepalive: 60
//	  QoS: 0
//
// With Homie: true the channel follows the Homie 4 convention instead; see
// homie.go.
package mqttconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "mqtt"

const (
	defaultHost      = "localhost"
	defaultPort      = 1883
	defaultRoot      = "sensor_reporter"
	defaultKeepalive = 60 * time.Second

	statusOnline  = "ONLINE"
	statusOffline = "OFFLINE"

	// connectWait bounds how long construction waits for the broker. The
	// client keeps retrying afterwards.
	connectWait = 10 * time.Second
)

func init() {
	connection.Register(Class, New)
}

// broker is the part of mqtt.Client the channel uses.
type broker interface {
	Start(ctx context.Context) error
	Close() error
	PublishString(topic, payload string, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	SetOnConnect(func())
	SetOnDisconnect(func(err error))
	SetLogger(mqtt.Logger)
}

var newBroker = func(cfg mqtt.Config) (broker, error) {
	return mqtt.New(cfg)
}

// Channel is the MQTT channel.
type Channel struct {
	*connection.Base
	log     connection.Logger
	client  broker
	topics  mqtt.Topics
	qos     byte
	refresh func(reason string)

	// homie is nil unless Homie: true.
	homie *homie
}

// New creates the channel from its section and starts connecting.
//
// Construction waits up to ten seconds for the first connection. A broker
// that is not reachable by then is not an error: the client keeps retrying
// and the channel goes online when it gets through.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	cfg, opts, err := parseConfig(section)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		log:     env.Log(),
		qos:     cfg.QoS,
		refresh: env.Refresh,
	}
	if c.refresh == nil {
		c.refresh = func(string) {}
	}
	c.Base = connection.NewBase(name, c.log)

	if opts.homie {
		c.homie = newHomie(opts.deviceID, name)
		c.topics = mqtt.Topics{Root: c.homie.root}
		c.homie.configure(&cfg)
	} else {
		c.topics = mqtt.Topics{Root: opts.root}
		cfg.StatusTopic = c.topics.Status()
		cfg.OnlinePayload = statusOnline
		cfg.OfflinePayload = statusOffline
	}

	client, err := newBroker(cfg)
	if err != nil {
		return nil, err
	}
	c.client = client
	client.SetLogger(c.log)
	client.SetOnConnect(c.connected)
	client.SetOnDisconnect(c.lost)

	if err := client.Subscribe(c.refreshTopic(), c.qos, c.onRefresh); err != nil {
		return nil, fmt.Errorf("subscribing to refresh topic: %w", err)
	}
	if c.homie != nil {
		if err := client.Subscribe(c.topics.All(), c.qos, c.homie.collect); err != nil {
			return nil, fmt.Errorf("subscribing to device tree: %w", err)
		}
	}

	c.log.Info("connecting to MQTT broker", "host", cfg.Host, "port", cfg.Port, "client", cfg.ClientID, "root", c.topics.Root)
	c.Connecting()

	ctx, cancel := context.WithTimeout(context.Background(), connectWait)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		if !errors.Is(err, mqtt.ErrTimeout) {
			client.Close()
			return nil, err
		}
		c.log.Warn("MQTT broker not reachable yet, retrying in background", "error", err)
	}
	return c, nil
}

// options holds the channel settings that are not part of mqtt.Config.
type options struct {
	root     string
	homie    bool
	deviceID string
}

func parseConfig(section config.Section) (mqtt.Config, options, error) {
	var (
		cfg  mqtt.Config
		opts options
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.Host, err = section.StringOr("Host", defaultHost)
	collect(err)
	cfg.Port, err = section.IntOr("Port", defaultPort)
	collect(err)
	cfg.ClientID, err = section.StringOr("Client", "sensor_reporter-"+uuid.NewString()[:8])
	collect(err)
	cfg.Username, err = section.StringOr("User", "")
	collect(err)
	cfg.Password, err = section.StringOr("Password", "")
	collect(err)
	cfg.TLS, err = section.BoolOr("TLS", false)
	collect(err)
	cfg.CACert, err = section.StringOr("CAcert", "")
	collect(err)
	cfg.TLSInsecure, err = section.BoolOr("TLSinsecure", false)
	collect(err)
	cfg.KeepAlive, err = section.SecondsOr("Keepalive", defaultKeepalive)
	collect(err)
	qos, err := section.IntOr("QoS", 0)
	collect(err)
	opts.root, err = section.StringOr("RootTopic", defaultRoot)
	collect(err)
	opts.homie, err = section.BoolOr("Homie", false)
	collect(err)
	opts.deviceID, err = section.StringOr("DeviceID", cfg.ClientID)
	collect(err)

	if len(errs) > 0 {
		return cfg, opts, errors.Join(errs...)
	}
	if qos < 0 || qos > 2 {
		return cfg, opts, fmt.Errorf("%w: %s.QoS must be 0, 1 or 2, got %d", config.ErrInvalidOption, section.Name(), qos)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, opts, fmt.Errorf("%w: %s.Port %d out of range", config.ErrInvalidOption, section.Name(), cfg.Port)
	}
	cfg.QoS = byte(qos)
	opts.root = strings.Trim(opts.root, "/")
	return cfg, opts, nil
}

func (c *Channel) refreshTopic() string {
	if c.homie != nil {
		return c.homie.refreshTopic()
	}
	return c.topics.Refresh()
}

// connected runs on every (re)connect, after the client restored its
// subscriptions.
func (c *Channel) connected() {
	c.log.Info("connected to MQTT broker")
	c.Online(c.send)
	if c.homie != nil {
		c.homie.announce(c)
	}
	c.refresh("MQTT connected")
}

func (c *Channel) lost(err error) {
	c.log.Warn("lost connection to MQTT broker", "error", err)
	c.Offline()
}

func (c *Channel) onRefresh(topic string, _ []byte, retained bool) error {
	if retained {
		return nil
	}
	c.refresh("refresh requested on " + topic)
	return nil
}

// Publish sends p to every state destination, or buffers it while offline
// when the endpoint asks for that.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	c.send(p)
}

func (c *Channel) send(p connection.Publication) {
	for _, dest := range p.Endpoint.StateDests {
		topic := c.stateTopic(p.Endpoint.Device, dest)
		if err := c.client.PublishString(topic, p.Value, p.Endpoint.Retain); err != nil {
			c.log.Error("publish failed", "topic", topic, "device", p.Endpoint.Device, "error", err)
			continue
		}
		c.log.Debug("published", "topic", topic, "value", p.Value, "retain", p.Endpoint.Retain)
	}
}

func (c *Channel) stateTopic(device, dest string) string {
	if c.homie != nil {
		return c.homie.valueTopic(device, dest)
	}
	return c.topics.Join(dest)
}

func (c *Channel) commandTopic(device, src string) string {
	if c.homie != nil {
		return c.homie.valueTopic(device, src) + homieSet
	}
	return c.topics.Join(src)
}

// Register subscribes to sub.Source and delivers its messages to h.
func (c *Channel) Register(sub routing.Subscription, h connection.Handler) {
	c.AddHandler(sub, h)
	topic := c.commandTopic(sub.Endpoint.Device, sub.Source)
	c.log.Info("registering for commands", "topic", topic, "device", sub.Endpoint.Device)
	err := c.client.Subscribe(topic, c.qos, func(_ string, payload []byte, _ bool) error {
		c.Deliver(sub.Source, string(payload))
		return nil
	})
	if err != nil {
		c.log.Error("subscribe failed, retrying on next connect", "topic", topic, "error", err)
	}
}

// Announce publishes the Homie description of every device routed through
// this channel. It does nothing outside Homie mode.
func (c *Channel) Announce(tables []*routing.Table) {
	if c.homie == nil {
		return
	}
	c.homie.setTables(c.Name(), tables)
	if c.State() == connection.StateOnline {
		c.homie.announce(c)
	}
}

// Disconnect publishes the offline status and closes the client.
func (c *Channel) Disconnect() {
	c.log.Info("disconnecting from MQTT broker")
	c.Offline()
	if err := c.client.Close(); err != nil {
		c.log.Error("closing MQTT client", "error", err)
	}
}

var _ connection.Announcer = (*Channel)(nil)

// publishRetained is used for Homie attributes.
func (c *Channel) publishRetained(topic, value string) {
	if err := c.client.PublishString(topic, value, true); err != nil {
		c.log.Error("publish failed", "topic", topic, "error", err)
	}
}
