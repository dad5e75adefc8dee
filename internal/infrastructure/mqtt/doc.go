// Package mqtt provides MQTT client connectivity for sensor reporter.
//
// This package manages:
//   - Connection to the broker with connect retry and auto-reconnect
//   - A retained status topic with a matching Last Will and Testament
//   - Message publishing with QoS and retain control
//   - Topic subscriptions that survive reconnects, including those made
//     before the first connection
//
// # Security Considerations
//
//   - Enable TLS when the broker is not on the same host (Config.TLS)
//   - CACert pins a private CA; TLSInsecure disables verification entirely
//     and is meant for testing only
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.New(mqtt.Config{
//	    Host:           "localhost",
//	    Port:           1883,
//	    ClientID:       "sensor_reporter",
//	    StatusTopic:    "sensor_reporter/status",
//	    OnlinePayload:  "ONLINE",
//	    OfflinePayload: "OFFLINE",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	_ = client.Subscribe("sensor_reporter/refresh", 0,
//	    func(topic string, payload []byte, _ bool) error {
//	        return nil
//	    })
//	if err := client.Start(ctx); err != nil {
//	    log.Warn("broker not reachable yet, retrying", "error", err)
//	}
package mqtt
