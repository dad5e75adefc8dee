// Package openhab provides a channel to openHAB's REST API.
//
// States are posted as updates to Items; commands sent to Items in openHAB
// arrive through the server-sent event stream at /rest/events. An endpoint
// names its Item with the Item option, which is both its state destination
// and its command source:
//
//	ConnectionOpenHAB:
//	  Class: openhab_rest
//	  Name: openhab
//	  URL: http://openhab:8080
//	  API-Token: ${OPENHAB_TOKEN}
//	  Version: 4
//	  RefreshItem: SensorReporterRefresh
//	  TLSinsecure: false
//	  CAcert: /etc/ssl/certs/openhab-ca.pem
//
// The channel probes /rest until it answers, then opens the event stream and
// goes online. A failed state update or a broken stream takes it offline and
// the probe resumes with capped exponential back-off.
package openhab

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Class is the configuration Class of this channel.
const Class = "openhab_rest"

const (
	defaultVersion       = 2.0
	defaultCheckInterval = 30 * time.Second
	requestTimeout       = 10 * time.Second
	initialRetry         = time.Second
)

// Errors returned while building or probing.
var (
	// ErrUnauthorized is returned when openHAB rejects the API token.
	ErrUnauthorized = errors.New("openhab: unauthorized, check API-Token")

	// ErrStatus is returned for any other unsuccessful response.
	ErrStatus = errors.New("openhab: unsuccessful response")
)

func init() {
	connection.Register(Class, New)
}

// Channel is the openHAB REST channel.
//
// Thread Safety:
//   - Publish and Register may be called concurrently.
//   - Disconnect blocks until the probe and stream goroutines have exited.
type Channel struct {
	*connection.Base
	log     connection.Logger
	refresh func(reason string)

	baseURL string
	token   string
	version float64
	every   time.Duration

	// client is used for short requests, stream for the event stream.
	client *http.Client
	stream *http.Client

	// wake asks the probe loop to check the server now.
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
}

// New creates the channel and starts probing the server.
func New(env connection.Env, section config.Section) (connection.Channel, error) {
	name, err := section.String("Name")
	if err != nil {
		return nil, err
	}
	c, err := newChannel(env, name, section)
	if err != nil {
		return nil, err
	}

	refreshItem, err := section.StringOr("RefreshItem", "")
	if err != nil {
		return nil, err
	}
	if refreshItem != "" {
		c.AddHandler(routing.Subscription{
			Source:   refreshItem,
			Endpoint: routing.Endpoint{Device: "refresh", Channel: name, CommandSrcs: []string{refreshItem}},
		}, func(string) { c.refresh("command on " + refreshItem) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.Connecting()
	c.wg.Add(1)
	go c.probeLoop(ctx)
	return c, nil
}

func newChannel(env connection.Env, name string, section config.Section) (*Channel, error) {
	baseURL, err := section.String("URL")
	if err != nil {
		return nil, err
	}
	token, err := section.StringOr("API-Token", "")
	if err != nil {
		return nil, err
	}
	version, err := section.FloatOr("Version", defaultVersion)
	if err != nil {
		return nil, err
	}
	if !section.Has("Version") && section.Has("openHAB-Version") {
		if version, err = section.Float("openHAB-Version"); err != nil {
			return nil, err
		}
	}
	every, err := section.SecondsOr("CheckInterval", defaultCheckInterval)
	if err != nil {
		return nil, err
	}
	if every <= 0 {
		every = defaultCheckInterval
	}
	tlsConfig, err := buildTLS(section)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	c := &Channel{
		log:     env.Log(),
		refresh: env.Refresh,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		version: version,
		every:   every,
		client:  &http.Client{Transport: transport, Timeout: requestTimeout},
		stream:  &http.Client{Transport: transport},
		wake:    make(chan struct{}, 1),
	}
	if c.refresh == nil {
		c.refresh = func(string) {}
	}
	if token == "" && version >= 3 {
		c.log.Info("no API-Token set, connecting without authentication")
	}
	c.Base = connection.NewBase(name, c.log)
	return c, nil
}

func buildTLS(section config.Section) (*tls.Config, error) {
	insecure, err := section.BoolOr("TLSinsecure", false)
	if err != nil {
		return nil, err
	}
	caFile, err := section.StringOr("CAcert", "")
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // operator opt-in for self-signed servers
	}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s.CAcert %s holds no certificates", config.ErrInvalidOption, section.Name(), caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// authorize adds the bearer token when one is configured.
func (c *Channel) authorize(req *http.Request) {
	if c.token != "" && c.version >= 3 {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// probeLoop checks the server until ctx ends. While online it checks every
// CheckInterval; while offline it backs off from one second up to the same
// interval.
func (c *Channel) probeLoop(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(initialRetry, c.every)
	bo.MaxInterval = c.every

	for {
		wait := c.every
		if err := c.check(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("openHAB not reachable", "url", c.baseURL, "error", err)
			c.goOffline()
			wait = bo.NextBackOff()
		} else {
			bo.Reset()
			c.goOnline(ctx)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// check probes the REST root.
func (c *Channel) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	default:
		return nil
	}
}

func (c *Channel) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// goOnline opens the event stream the first time the server answers after
// being unreachable.
func (c *Channel) goOnline(ctx context.Context) {
	if c.State() == connection.StateOnline {
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.streamMu.Lock()
	c.streamCancel = cancel
	c.streamMu.Unlock()

	c.wg.Add(1)
	go c.readEvents(streamCtx)

	c.log.Info("connected to openHAB", "url", c.baseURL)
	c.Online(c.send)
	c.refresh("openHAB connected")
}

func (c *Channel) goOffline() {
	c.streamMu.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.streamMu.Unlock()
	c.Offline()
}

// Publish posts p.Value as the state of every Item of the endpoint.
func (c *Channel) Publish(p connection.Publication) {
	if !c.Admit(p) {
		return
	}
	c.send(p)
}

func (c *Channel) send(p connection.Publication) {
	for _, item := range p.Endpoint.StateDests {
		if err := c.putState(item, p.Value); err != nil {
			var netErr interface{ Timeout() bool }
			switch {
			case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrStatus):
				c.log.Error("state update rejected", "item", item, "error", err)
			case errors.As(err, &netErr) && netErr.Timeout():
				c.log.Error("state update timed out", "item", item)
			default:
				c.log.Error("state update failed, going offline", "item", item, "error", err)
				c.goOffline()
				c.nudge()
				return
			}
			continue
		}
		c.log.Debug("state updated", "item", item, "value", p.Value)
	}
}

func (c *Channel) putState(item, value string) error {
	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/rest/items/"+item+"/state", strings.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return statusError(resp)
}

// Register records h for commands sent to the Item sub.Source.
func (c *Channel) Register(sub routing.Subscription, h connection.Handler) {
	c.log.Info("registering Item", "item", sub.Source, "device", sub.Endpoint.Device)
	c.AddHandler(sub, h)
}

// Disconnect stops probing, closes the event stream and waits for both.
func (c *Channel) Disconnect() {
	c.log.Info("disconnecting from openHAB")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.goOffline()
}
