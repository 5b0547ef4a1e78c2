package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementStatus = "device_status"
	measurementGate   = "gate_events"
	measurementSensor = "sensor_events"
)

// RecordTransition writes one status flag change. It satisfies
// status.Recorder; the write is batched and non-blocking.
func (c *Client) RecordTransition(endpointID, flag string, value bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(transitionPoint(endpointID, flag, value, at))
}

// RecordGateEvent writes a decoded gate controller event.
//
// Parameters:
//   - kind: Gate message kind (e.g. "lpr", "gate_state")
//   - siteIP: Identity of the controller that sent it
//   - location: Resolved location, empty if unknown
//   - fields: Numeric or string values to store
func (c *Client) RecordGateEvent(kind, siteIP, location string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(gatePoint(kind, siteIP, location, fields, time.Now()))
}

// RecordSensorEvent writes the occupancy-relevant fields of a sensor report.
func (c *Client) RecordSensorEvent(endpointID, kind string, stale bool, reportedAt time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sensorPoint(endpointID, kind, stale, reportedAt, time.Now()))
}

func transitionPoint(endpointID, flag string, value bool, at time.Time) *write.Point {
	return write.NewPoint(
		measurementStatus,
		map[string]string{
			"endpoint_id": endpointID,
			"flag":        flag,
		},
		map[string]any{
			"value": value,
		},
		at,
	)
}

func gatePoint(kind, siteIP, location string, fields map[string]any, at time.Time) *write.Point {
	tags := map[string]string{
		"kind":    kind,
		"site_ip": siteIP,
	}
	if location != "" {
		tags["location"] = location
	}
	if len(fields) == 0 {
		fields = map[string]any{"count": 1}
	}
	return write.NewPoint(measurementGate, tags, fields, at)
}

func sensorPoint(endpointID, kind string, stale bool, reportedAt, at time.Time) *write.Point {
	fields := map[string]any{"stale": stale}
	if !reportedAt.IsZero() {
		fields["age_seconds"] = at.Sub(reportedAt).Seconds()
	}
	return write.NewPoint(
		measurementSensor,
		map[string]string{
			"endpoint_id": endpointID,
			"kind":        kind,
		},
		fields,
		at,
	)
}
