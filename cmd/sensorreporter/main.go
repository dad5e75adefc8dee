// Sensor Reporter polls sensors, drives actuators and publishes their state
// over MQTT, NATS, openHAB, InfluxDB, SQLite and HTTP.
//
// Usage:
//
//	sensorreporter [-config path]
//	sensorreporter token -secret s [-subject name] [-ttl 720h]
//	sensorreporter hash-password < password.txt
//
// SIGHUP reloads the configuration; SIGINT and SIGTERM stop the process.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connections/httpapi"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/logging"
	"github.com/nerrad567/sensor-reporter/internal/reporter"

	// Channel and device classes register themselves.
	_ "github.com/nerrad567/sensor-reporter/internal/connections/history"
	_ "github.com/nerrad567/sensor-reporter/internal/connections/influx"
	_ "github.com/nerrad567/sensor-reporter/internal/connections/local"
	_ "github.com/nerrad567/sensor-reporter/internal/connections/mqttconn"
	_ "github.com/nerrad567/sensor-reporter/internal/connections/natsconn"
	_ "github.com/nerrad567/sensor-reporter/internal/connections/openhab"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/arp"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/dimmer"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/exec"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/heartbeat"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/logic"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/serialdev"
	_ "github.com/nerrad567/sensor-reporter/internal/devices/sysinfo"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "sensor_reporter.yaml"

func main() {
	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = runToken(os.Args[2:], os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "hash-password":
		err = runHashPassword(os.Stdin, os.Stdout)
	default:
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)

		err = run(ctx, os.Args[1:], forward(ctx, reload))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// forward turns received signals into reload requests until ctx ends.
func forward(ctx context.Context, sigs <-chan os.Signal) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// run loads the configuration, sets up logging and runs generations until
// ctx is cancelled.
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//   - args: Command line arguments without the program name
//   - reload: Receives on every reload request
//
// Returns:
//   - error: nil on clean shutdown, or the reason startup failed
func run(ctx context.Context, args []string, reload <-chan struct{}) error {
	fs := flag.NewFlagSet("sensorreporter", flag.ContinueOnError)
	path := fs.String("config", getConfigPath(), "configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logging: %w", err)
	}
	defer log.Close() //nolint:errcheck // shutting down
	log.Info("starting sensor reporter",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", *path,
	)
	if len(cfg.Ignored) > 0 {
		log.Warn("ignoring unknown configuration sections", "sections", cfg.Ignored)
	}

	// The first generation reuses the configuration read above.
	first := true
	load := func() (*config.Config, error) {
		if first {
			first = false
			return cfg, nil
		}
		return config.Load(*path)
	}

	runner := reporter.NewRunner(load, &reporter.Builder{}, log)
	if err := runner.Run(ctx, reload); err != nil {
		return err
	}
	log.Info("sensor reporter stopped")
	return nil
}

// getConfigPath returns SENSORREPORTER_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("SENSORREPORTER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// runToken prints a bearer token for the HTTP channel.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("SENSORREPORTER_HTTP_SECRET"), "HTTP channel Secret")
	subject := fs.String("subject", "sensorreporter", "token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime, 0 for none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("token: -secret or SENSORREPORTER_HTTP_SECRET is required")
	}

	token, err := httpapi.IssueToken(*secret, *subject, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runHashPassword reads a password from the first line of in and prints its
// hash for the HTTP channel's Users option.
func runHashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("hash-password: empty password")
	}
	hash, err := httpapi.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
