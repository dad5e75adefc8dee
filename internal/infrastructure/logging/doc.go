// Package logging provides structured logging for the sensor reporter.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON or text output to stdout, stderr or an append-only file
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Per-device and per-connection levels via Named
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	Logging:
//	  Level: info       # debug, info, warn, error (DEBUG/WARNING/CRITICAL also accepted)
//	  Format: text      # json, text
//	  Output: file      # stdout, stderr, file
//	  File:
//	    Path: /var/log/sensor_reporter.log
//
// # Usage
//
//	logger, err := logging.New(cfg.Logging, version)
//	logger.Info("starting", "config", path)
//	devLog := logger.Named("SensorGarage", "debug")
//
// Never log secrets, tokens or passwords.
package logging
