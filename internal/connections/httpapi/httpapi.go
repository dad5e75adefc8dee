package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "http"

const (
	defaultListen       = "127.0.0.1:8080"
	defaultPingInterval = 30 * time.Second
	defaultTokenTTL     = 24 * time.Hour
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

func init() {
	connection.Register(Class, New)
}

// State is the last value published to one destination.
type State struct {
	Destination string    `json:"destination"`
	Value       string    `json:"value"`
	Device      string    `json:"device"`
	Slot        string    `json:"slot,omitempty"`
	Updated     time.Time `json:"updated"`
}

// Channel is the HTTP channel.
type Channel struct {
	*connection.Base
	log     connection.Logger
	refresh func(string)

	secret       string
	tokenTTL     time.Duration
	users        map[string]passwordHash
	origins      []string
	pingInterval time.Duration

	mu     sync.RWMutex
	states map[string]State
	tables []*routing.Table

	hub      *hub
	server   *http.Server
	listener net.Listener
	served   chan struct{}
}

// New starts listening. A busy address fails construction.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	listen, err := section.StringOr("Listen", defaultListen)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		log:     env.Log(),
		refresh: env.Refresh,
		states:  make(map[string]State),
		served:  make(chan struct{}),
	}
	if c.refresh == nil {
		c.refresh = func(string) {}
	}
	if c.secret, err = section.StringOr("Secret", ""); err != nil {
		return nil, err
	}
	if c.tokenTTL, err = section.SecondsOr("TokenTTL", defaultTokenTTL); err != nil {
		return nil, err
	}
	if c.users, err = parseUsers(section); err != nil {
		return nil, err
	}
	if section.Has("AllowedOrigins") {
		if c.origins, err = section.Strings("AllowedOrigins"); err != nil {
			return nil, err
		}
	}
	if c.pingInterval, err = section.SecondsOr("PingInterval", defaultPingInterval); err != nil {
		return nil, err
	}
	if c.pingInterval <= 0 {
		return nil, fmt.Errorf("%w: PingInterval must be positive", config.ErrInvalidOption)
	}

	c.Base = connection.NewBase(name, c.log)
	c.hub = newHub(c.log)
	c.Connecting()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listen, err)
	}
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		defer close(c.served)
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("HTTP server stopped", "error", err)
		}
	}()

	c.log.Info("HTTP API listening", "address", ln.Addr().String(), "auth", c.authRequired())
	c.Online(nil)
	return c, nil
}

// parseUsers reads the optional Users map of user name to argon2id hash.
func parseUsers(section config.Section) (map[string]passwordHash, error) {
	if !section.Has("Users") {
		return nil, nil
	}
	m, err := section.Map("Users")
	if err != nil {
		return nil, err
	}
	users := make(map[string]passwordHash, len(m.Keys()))
	for _, name := range m.Keys() {
		encoded, err := m.String(name)
		if err != nil {
			return nil, err
		}
		if users[name], err = parseHash(encoded); err != nil {
			return nil, fmt.Errorf("%w: Users.%s: %w", config.ErrInvalidOption, name, err)
		}
	}
	return users, nil
}

func (c *Channel) authRequired() bool {
	return c.secret != "" || len(c.users) > 0
}

// checkUser reports whether user and password match a Users entry.
func (c *Channel) checkUser(user, password string) bool {
	h, ok := c.users[user]
	return ok && h.matches(password)
}

// Addr returns the address the server listens on.
func (c *Channel) Addr() string {
	return c.listener.Addr().String()
}

// Publish records the value of every state destination and streams it to
// websocket clients.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	now := time.Now().UTC()
	for _, dest := range p.Endpoint.StateDests {
		s := State{
			Destination: dest,
			Value:       p.Value,
			Device:      p.Endpoint.Device,
			Slot:        p.Endpoint.Slot,
			Updated:     now,
		}
		c.mu.Lock()
		c.states[dest] = s
		c.mu.Unlock()
		c.hub.broadcast(s)
	}
}

// Register makes sub.Source accept commands on /api/v1/commands.
func (c *Channel) Register(sub routing.Subscription, h connection.Handler) {
	c.AddHandler(sub, h)
	c.log.Debug("registered command destination", "source", sub.Source, "device", sub.Endpoint.Device)
}

// Announce keeps the device tables for /api/v1/devices.
func (c *Channel) Announce(tables []*routing.Table) {
	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()
}

// Disconnect stops the server and closes every websocket.
func (c *Channel) Disconnect() {
	c.Offline()
	c.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.server.Shutdown(ctx); err != nil {
		c.log.Warn("HTTP server shutdown", "error", err)
	}
	<-c.served
}

// snapshot returns every known state sorted by destination.
func (c *Channel) snapshot() []State {
	c.mu.RLock()
	out := make([]State, 0, len(c.states))
	for _, s := range c.states {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (c *Channel) state(dest string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[dest]
	return s, ok
}
