package sensor

import "errors"

var (
	// ErrStale is the teardown cause for a sensor whose data aged out.
	ErrStale = errors.New("sensor: data stale")

	// ErrWrongProtocol is returned for endpoints that are not sensors.
	ErrWrongProtocol = errors.New("sensor: endpoint is not a sensor")

	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("sensor: missing dependency")
)
