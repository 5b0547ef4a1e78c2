package catalog

import "errors"

var (
	// ErrEndpointNotFound is returned when an endpoint ID does not exist.
	ErrEndpointNotFound = errors.New("catalog: endpoint not found")

	// ErrEndpointExists is returned when creating an endpoint whose ID is taken.
	ErrEndpointExists = errors.New("catalog: endpoint already exists")

	// ErrInvalidEndpoint is returned when endpoint validation fails.
	ErrInvalidEndpoint = errors.New("catalog: invalid endpoint")

	// ErrLocationNotFound is returned when no location is registered for a key.
	ErrLocationNotFound = errors.New("catalog: location not found")
)
