// Package api provides the read-only HTTP and WebSocket surface of parklink.
//
// Endpoints:
//
//	GET /api/v1/health          component health (database, mqtt, influxdb)
//	GET /api/v1/devices/status  DeviceStatus of every known endpoint
//	GET /api/v1/connections     live sensor and gate connections
//	GET /metrics                Prometheus metrics
//	GET /ws                     WebSocket stream of status and event notifications
//
// WebSocket clients subscribe to notification channels ("status/12",
// "events/lpr") or to prefixes ("status/*", "*").
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
