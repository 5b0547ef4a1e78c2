package catalog

import (
	"net"
	"strconv"
	"time"
)

// ProtocolKind selects which wire protocol a device endpoint speaks.
type ProtocolKind string

const (
	// KindSensor is a parking-space sensor speaking NUL-terminated JSON.
	KindSensor ProtocolKind = "sensor"

	// KindGate is a parking-fee gate controller speaking #####...$$$$$ frames.
	KindGate ProtocolKind = "gate"
)

// OperationalStatus is the externally controlled business state of an
// endpoint. It is independent of connectivity.
type OperationalStatus string

const (
	OperationalOpen   OperationalStatus = "open"
	OperationalClosed OperationalStatus = "closed"
)

// Credentials are the login fields sent with every sensor command.
type Credentials struct {
	DevNo  int    `json:"devNo"`
	UserID string `json:"userID"`
	UserPW string `json:"userPW"`
}

// DeviceEndpoint identifies one physical controller or sensor.
type DeviceEndpoint struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Kind              ProtocolKind      `json:"kind"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Credentials       Credentials       `json:"-"`
	OperationalStatus OperationalStatus `json:"operational_status"`
}

// IdentityKey returns the key under which at most one live connection may
// exist: the device index for sensors and the site IP for gate controllers.
func (e DeviceEndpoint) IdentityKey() string {
	if e.Kind == KindGate {
		return e.Host
	}
	return e.ID
}

// Address returns host:port for dialling.
func (e DeviceEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Closed reports whether the endpoint is operationally closed and must not
// be reconnected.
func (e DeviceEndpoint) Closed() bool {
	return e.OperationalStatus == OperationalClosed
}

// DeviceStatus is the persisted connectivity assessment of one endpoint.
type DeviceStatus struct {
	EndpointID       string    `json:"endpoint_id"`
	Linked           bool      `json:"linked"`
	Alarm            bool      `json:"alarm"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Connectivity returns "normal" for a linked endpoint and "error" otherwise.
func (s DeviceStatus) Connectivity() string {
	return ConnectivityLabel(s.Linked)
}

// ConnectivityLabel maps a linked flag to its connectivity status label.
func ConnectivityLabel(linked bool) string {
	if linked {
		return "normal"
	}
	return "error"
}

// LocationKey addresses one sub-device (camera, barrier) behind a gate controller.
type LocationKey struct {
	SiteIP     string
	DeviceIP   string
	DevicePort int
}
