package gate

import "errors"

var (
	// ErrWrongProtocol is returned for endpoints that are not gate controllers.
	ErrWrongProtocol = errors.New("gate: endpoint is not a gate controller")

	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("gate: missing dependency")
)
