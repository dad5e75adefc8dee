// Package influxdb wraps the official influxdb-client-go v2 library with
// connection checking, batched non-blocking writes and health monitoring.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, influxdb.Config{
//	    URL:    "http://localhost:8086",
//	    Token:  os.Getenv("INFLUX_TOKEN"),
//	    Org:    "home",
//	    Bucket: "sensors",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("readings", map[string]string{"device": "temp"}, map[string]any{"value": 21.5})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes never block and never return errors; batch failures are reported to
// the callback set with SetOnError. Connection and health check errors are
// returned directly.
package influxdb
