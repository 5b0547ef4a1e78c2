package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var (
	// GateStart opens every gate-controller frame.
	GateStart = []byte("#####")

	// GateEnd closes every gate-controller frame.
	GateEnd = []byte("$$$$$")
)

// Gate controller event kinds.
const (
	GateLPR           = "lpr"
	GateFeeCalculated = "fee_calculation_result"
	GateState         = "gate_state"
)

// GateMessage is one decoded gate-controller object. Body holds the full
// JSON so handlers can decode kind-specific fields.
type GateMessage struct {
	Kind string
	Body json.RawMessage
}

// DecodeGateFrames extracts at most one frame from buf.
//
// Returns:
//   - msgs: Zero or one decoded message
//   - residual: What the caller must keep buffered; nil once a complete frame
//     was seen or the data did not begin with GateStart
//   - err: ErrMissingStartMarker or ErrMalformedFrame when data was discarded
func DecodeGateFrames(buf []byte) (msgs []GateMessage, residual []byte, err error) {
	if len(buf) == 0 {
		return nil, nil, nil
	}

	if !bytes.HasPrefix(buf, GateStart) {
		// A short read that could still become the start marker is kept.
		if len(buf) < len(GateStart) && bytes.HasPrefix(GateStart, buf) {
			return nil, append([]byte(nil), buf...), nil
		}
		return nil, nil, ErrMissingStartMarker
	}

	end := bytes.Index(buf[len(GateStart):], GateEnd)
	if end < 0 {
		return nil, append([]byte(nil), buf...), nil
	}

	body := buf[len(GateStart) : len(GateStart)+end]
	msg, err := parseGateBody(body)
	if err != nil {
		return nil, nil, err
	}
	return []GateMessage{msg}, nil, nil
}

func parseGateBody(body []byte) (GateMessage, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return GateMessage{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if head.Kind == "" {
		return GateMessage{}, ErrEmptyKind
	}
	return GateMessage{Kind: head.Kind, Body: append(json.RawMessage(nil), body...)}, nil
}

// GateDecoder accumulates reads from one gate-controller connection.
// It is not safe for concurrent use; each connection's reader owns one.
type GateDecoder struct {
	buf []byte
	max int
}

// NewGateDecoder returns a decoder holding at most maxBuffer bytes of an
// unterminated frame. A non-positive maxBuffer selects DefaultMaxBuffer.
func NewGateDecoder(maxBuffer int) *GateDecoder {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &GateDecoder{max: maxBuffer}
}

// Feed appends p and returns the message completed by it, if any.
func (d *GateDecoder) Feed(p []byte) ([]GateMessage, error) {
	d.buf = append(d.buf, p...)
	msgs, residual, err := DecodeGateFrames(d.buf)
	d.buf = residual

	if err == nil && len(d.buf) > d.max {
		d.buf = nil
		err = ErrFrameTooLarge
	}
	return msgs, err
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *GateDecoder) Buffered() int {
	return len(d.buf)
}
