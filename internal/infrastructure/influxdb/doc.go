// Package influxdb writes Fleet Core time-series data to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - command_lifecycle: one point per command status change, tagged by
//     device, type, status and priority, with latency from creation
//   - command_dispatch: one point per delivery attempt
//   - device_telemetry: numeric values reported in telemetry command results
//   - queue_sweep: counters for each sweeper pass
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // time-series export off
//	}
//	defer client.Close()
//
//	client.WriteDeviceTelemetry("dev-1", map[string]float64{"battery_level": 80}, time.Now())
//
// Write errors surface asynchronously through SetOnError.
package influxdb
