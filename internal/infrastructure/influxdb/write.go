package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementReadback   = "supply_readback"
	MeasurementTransition = "supply_transition"
)

// WriteDeviceMetric records one readback sample of a supply, for example
// ("QUATB001", "current", 12.48) or ("QUATB001", "polarity", 1).
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(readbackPoint(deviceID, measurement, value, time.Now()))
}

// WriteTransition records a change of reported operational state.
func (c *Client) WriteTransition(deviceID, from, to string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(transitionPoint(deviceID, from, to, at))
}

// WritePoint writes a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func readbackPoint(deviceID, quantity string, value float64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementReadback,
		map[string]string{
			"supply":   deviceID,
			"quantity": quantity,
		},
		map[string]interface{}{"value": value},
		at,
	)
}

func transitionPoint(deviceID, from, to string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTransition,
		map[string]string{
			"supply": deviceID,
			"to":     to,
		},
		map[string]interface{}{"from": from},
		at,
	)
}
