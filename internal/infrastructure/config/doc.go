// Package config handles loading and validating sensor reporter configuration.
//
// This package manages:
//   - Loading configuration from YAML files (sections kept in file order)
//   - Loading a .env file and expanding ${VAR} references
//   - Overriding logging settings with environment variables
//   - Typed access to free-form device and connection sections
//
// File layout:
//
//	Logging:
//	  Level: info          # debug, info, warn, error
//	  Format: text         # json, text
//	  Output: stdout       # stdout, stderr, file
//	DEFAULT:
//	  Level: info          # spread into every Sensor*/Actuator* section
//	ConnectionMQTT:
//	  Class: mqtt
//	  Name: broker
//	  Password: ${MQTT_PASSWORD}
//	SensorHeartbeat:
//	  Class: heartbeat
//	  Poll: 60
//	  Connections:
//	    broker:
//	      Uptime:
//	        StateDest: heartbeat/uptime
//
// Security Considerations:
//   - Secrets belong in the environment or the .env file, not in the YAML
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("sensor_reporter.yml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	poll, err := cfg.Sensors[0].SecondsOr("Poll", 0)
package config
