package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time a single connection attempt may take.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultRetryInterval is the pause between failed connection attempts.
	defaultRetryInterval = 5 * time.Second

	// defaultMaxReconnect caps the back-off between reconnect attempts.
	defaultMaxReconnect = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// statusQoS is used for the status topic and the Last Will.
	statusQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Config describes one broker connection.
type Config struct {
	Host     string
	Port     int
	ClientID string

	// Username and Password are sent when Username is not empty.
	Username string
	Password string

	// TLS switches to ssl://. CACert names a PEM bundle to trust instead of
	// the system pool; TLSInsecure skips server certificate verification.
	TLS         bool
	CACert      string
	TLSInsecure bool

	// KeepAlive defaults to 60s.
	KeepAlive time.Duration

	// QoS is used for state publications. Status messages always use QoS 2.
	QoS byte

	// StatusTopic receives OnlinePayload (retained) on every connect and
	// OfflinePayload on Close. The broker publishes WillPayload there when
	// the client vanishes; it defaults to OfflinePayload. Empty disables all
	// three.
	StatusTopic    string
	OnlinePayload  string
	OfflinePayload string
	WillPayload    string

	// RetryInterval is the pause between attempts while no connection has
	// been made yet. MaxReconnect caps the back-off after a lost connection.
	RetryInterval time.Duration
	MaxReconnect  time.Duration
}

// brokerURL returns the tcp:// or ssl:// URL of the broker.
func (c Config) brokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// buildClientOptions creates paho MQTT options from cfg.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials
//   - Connect retry and auto-reconnect with back-off
//   - TLS configuration (if enabled)
//   - Last Will on the status topic
//   - Clean session mode
func buildClientOptions(cfg Config) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.brokerURL())
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	maxReconnect := cfg.MaxReconnect
	if maxReconnect <= 0 {
		maxReconnect = defaultMaxReconnect
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retry)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)

	// Handlers may publish (link actions, refresh), so paho must not
	// serialise message delivery behind them.
	opts.SetOrderMatters(false)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.TLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	configureLWT(opts, cfg)
	return opts, nil
}

// buildTLSConfig loads the CA bundle, if any.
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tlsMinVersion,
		InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // operator opt-in for self-signed brokers
	}
	if cfg.CACert == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, cfg.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will, retained, if the client disconnects
// without saying goodbye (crash, network failure, power loss), so
// subscribers of the status topic always see the current link state.
func configureLWT(opts *pahomqtt.ClientOptions, cfg Config) {
	if cfg.StatusTopic == "" {
		return
	}
	payload := cfg.WillPayload
	if payload == "" {
		payload = cfg.OfflinePayload
	}
	opts.SetWill(cfg.StatusTopic, payload, statusQoS, true)
}
