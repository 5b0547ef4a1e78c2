package frame

import "errors"

var (
	// ErrMalformedFrame is returned for a frame whose JSON body does not parse.
	ErrMalformedFrame = errors.New("frame: malformed frame")

	// ErrMissingStartMarker is returned when buffered gate data does not begin
	// with the start marker and has been discarded.
	ErrMissingStartMarker = errors.New("frame: missing start marker")

	// ErrFrameTooLarge is returned when an unterminated frame outgrows the
	// decoder buffer limit and has been discarded.
	ErrFrameTooLarge = errors.New("frame: frame too large")

	// ErrEmptyKind is returned when a decoded object has no message/kind tag.
	ErrEmptyKind = errors.New("frame: empty kind")
)
