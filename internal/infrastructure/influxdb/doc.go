// Package influxdb records parklink status history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Every linked/alarm
// transition is written to the device_status measurement, and decoded gate
// and sensor events to gate_events and sensor_events, so operators can
// chart connectivity and traffic over time.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sync := status.New(repo, notifier, status.WithRecorder(client))
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// failures are delivered to the SetOnError callback.
package influxdb
