// Package natsconn provides a channel over NATS core subjects.
//
// A destination "garage/door" maps to the subject "<Subject>.garage.door".
// The channel publishes ONLINE to "<Subject>.status" whenever it connects and
// OFFLINE before closing; NATS has no last-will, so a crashed reporter leaves
// the last status in place. Any message on "<Subject>.refresh" asks the
// generation to republish every device state.
//
//	ConnectionNATS:
//	  Class: nats
//	  Name: nats
//	  URL: nats://127.0.0.1:4222
//	  Subject: sensor_reporter
//	  Client: garage-pi
//	  User: reporter
//	  Password: ${NATS_PASSWORD}
package natsconn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "nats"

const (
	defaultSubject = "sensor_reporter"
	reconnectWait  = 2 * time.Second
	flushTimeout   = time.Second

	statusOnline  = "ONLINE"
	statusOffline = "OFFLINE"
)

func init() {
	connection.Register(Class, New)
}

// settings is the parsed connection section.
type settings struct {
	url      string
	root     string
	client   string
	user     string
	password string
}

// events are the link callbacks a transport reports.
type events struct {
	connected    func()
	disconnected func(err error)
}

// transport is the part of a NATS connection the channel uses.
type transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h func(data []byte)) error
	Close()
}

// dial connects to NATS. The connection keeps retrying in the background
// when the server is not reachable yet.
var dial = func(s settings, ev events) (transport, error) {
	opts := []nats.Option{
		nats.Name(s.client),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ConnectHandler(func(*nats.Conn) { ev.connected() }),
		nats.ReconnectHandler(func(*nats.Conn) { ev.connected() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { ev.disconnected(err) }),
	}
	if s.user != "" {
		opts = append(opts, nats.UserInfo(s.user, s.password))
	}
	nc, err := nats.Connect(s.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.url, err)
	}
	if nc.IsConnected() {
		ev.connected()
	}
	return natsTransport{nc: nc}, nil
}

type natsTransport struct {
	nc *nats.Conn
}

func (t natsTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t natsTransport) Subscribe(subject string, h func(data []byte)) error {
	_, err := t.nc.Subscribe(subject, func(msg *nats.Msg) { h(msg.Data) })
	return err
}

func (t natsTransport) Close() {
	_ = t.nc.FlushTimeout(flushTimeout)
	t.nc.Close()
}

// Channel is the NATS channel.
type Channel struct {
	*connection.Base
	log     connection.Logger
	root    string
	refresh func(reason string)

	// linkMu serialises link callbacks; the first connect can be reported
	// both by the handler and by dial itself.
	linkMu sync.Mutex

	conn   transport
	connMu sync.RWMutex
}

// New creates the channel and starts connecting.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	s, err := parseSettings(section)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		log:     env.Log(),
		root:    s.root,
		refresh: env.Refresh,
	}
	if c.refresh == nil {
		c.refresh = func(string) {}
	}
	c.Base = connection.NewBase(name, c.log)
	c.Connecting()

	c.log.Info("connecting to NATS", "url", s.url, "client", s.client, "subject", s.root)
	conn, err := dial(s, events{
		connected:    c.connected,
		disconnected: c.lost,
	})
	if err != nil {
		return nil, err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := conn.Subscribe(c.subject("refresh"), func([]byte) {
		c.refresh("refresh requested on " + c.subject("refresh"))
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to refresh subject: %w", err)
	}

	// The first connect may have been reported before conn was stored.
	if c.State() == connection.StateOnline {
		c.publishStatus(statusOnline)
	}
	return c, nil
}

func parseSettings(section config.Section) (settings, error) {
	var s settings
	var err error
	if s.url, err = section.StringOr("URL", nats.DefaultURL); err != nil {
		return s, err
	}
	if s.root, err = section.StringOr("Subject", defaultSubject); err != nil {
		return s, err
	}
	if s.client, err = section.StringOr("Client", "sensor_reporter-"+uuid.NewString()[:8]); err != nil {
		return s, err
	}
	if s.user, err = section.StringOr("User", ""); err != nil {
		return s, err
	}
	if s.password, err = section.StringOr("Password", ""); err != nil {
		return s, err
	}
	s.root = strings.Trim(s.root, ".")
	if s.root == "" || strings.ContainsAny(s.root, " *>") {
		return s, fmt.Errorf("%w: %s.Subject %q is not a valid subject prefix", config.ErrInvalidOption, section.Name(), s.root)
	}
	return s, nil
}

// subject maps a destination onto the channel's subject tree.
func (c *Channel) subject(dest string) string {
	dest = strings.ReplaceAll(strings.Trim(dest, "/"), "/", ".")
	return c.root + "." + dest
}

func (c *Channel) transport() transport {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Channel) connected() {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	if c.State() == connection.StateOnline {
		return
	}
	c.log.Info("connected to NATS")
	c.Online(c.send)
	c.publishStatus(statusOnline)
	c.refresh("NATS connected")
}

func (c *Channel) lost(err error) {
	if err == nil {
		return
	}
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	c.log.Warn("lost connection to NATS", "error", err)
	c.Offline()
}

func (c *Channel) publishStatus(status string) {
	conn := c.transport()
	if conn == nil {
		return
	}
	if err := conn.Publish(c.subject("status"), []byte(status)); err != nil {
		c.log.Warn("publishing status failed", "error", err)
	}
}

// Publish sends p to the subject of every state destination.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	c.send(p)
}

func (c *Channel) send(p connection.Publication) {
	conn := c.transport()
	if conn == nil {
		return
	}
	for _, dest := range p.Endpoint.StateDests {
		subj := c.subject(dest)
		if err := conn.Publish(subj, []byte(p.Value)); err != nil {
			c.log.Error("publish failed", "subject", subj, "device", p.Endpoint.Device, "error", err)
			continue
		}
		c.log.Debug("published", "subject", subj, "value", p.Value)
	}
}

// Register subscribes to the subject of sub.Source. NATS restores
// subscriptions after a reconnect by itself.
func (c *Channel) Register(sub routing.Subscription, h connection.Handler) {
	c.AddHandler(sub, h)
	subj := c.subject(sub.Source)
	c.log.Info("registering for commands", "subject", subj, "device", sub.Endpoint.Device)
	conn := c.transport()
	if conn == nil {
		return
	}
	if err := conn.Subscribe(subj, func(data []byte) { c.Deliver(sub.Source, string(data)) }); err != nil {
		c.log.Error("subscribe failed", "subject", subj, "error", err)
	}
}

// Disconnect publishes OFFLINE and closes the connection.
func (c *Channel) Disconnect() {
	c.log.Info("disconnecting from NATS")
	c.publishStatus(statusOffline)
	c.Offline()
	if conn := c.transport(); conn != nil {
		conn.Close()
	}
}
