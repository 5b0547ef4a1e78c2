// Package catalog is the persistence collaborator of the device-connection
// layer.
//
// It owns the device endpoint list (with credentials and operational
// status), the persisted DeviceStatus rows, the (siteIp, deviceIp,
// devicePort) location lookup and the gate_state write-through table.
// The bridges depend on small interfaces declared where they are used;
// *SQLiteRepository satisfies all of them.
package catalog
