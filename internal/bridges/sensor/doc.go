// Package sensor drives parking-space sensors over their NUL-terminated
// JSON protocol.
//
// A Bridge owns the sensor link.Registry. Commands (hello, get, subscribe,
// unsubscribe) open the connection on demand; every inbound message is
// decoded on the connection's reader goroutine and routed by kind.
// Readings (get-ok, event-sensor) pass through the staleness check: a
// report older than the configured threshold tears the connection down
// and marks the sensor disconnected with its alarm raised, while a fresh
// one clears the alarm and marks it connected. The status package drops
// repeated reports of the current value.
//
// Start runs the poll sweep, which subscribes sensors that have no
// connection, tears down connections that went silent for longer than the
// threshold and probes the rest with hello.
package sensor
