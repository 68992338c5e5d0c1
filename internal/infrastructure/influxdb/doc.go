// Package influxdb records power-supply telemetry in InfluxDB v2.
//
// Each control loop reports readbacks (current, polarity, mode code) through
// WriteDeviceMetric and reported-state changes through WriteTransition.
// Writes are batched and non-blocking; batch_size and flush_interval come
// from the influxdb section of config.yaml.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//	client.WriteDeviceMetric("QUATB001", "current", 12.48)
package influxdb
