package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Terminator ends every sensor-protocol message.
const Terminator byte = 0x00

// Sensor protocol message kinds.
const (
	SensorHello       = "hello"
	SensorGet         = "get"
	SensorSubscribe   = "subscribe"
	SensorUnsubscribe = "unsubscribe"

	SensorHelloOK       = "hello-ok"
	SensorGetOK         = "get-ok"
	SensorSubscribeOK   = "subscribe-ok"
	SensorUnsubscribeOK = "unsubscribe-ok"
	SensorEvent         = "event-sensor"
	SensorWelcome       = "event-welcome"

	SensorParseErr     = "parse-err"
	SensorLoginErr     = "login-err"
	SensorSubscribeErr = "subscribe-err"
	SensorCommandErr   = "command-err"
)

// DefaultMaxBuffer bounds how much unterminated data a decoder holds.
const DefaultMaxBuffer = 1 << 20

// SensorAuth is the credential block carried by every sensor command.
type SensorAuth struct {
	DevNo  int    `json:"devNo"`
	UserID string `json:"userID"`
	UserPW string `json:"userPW"`
}

// SensorMessage is one decoded sensor-protocol object.
type SensorMessage struct {
	Message    string          `json:"message"`
	Auth       *SensorAuth     `json:"auth,omitempty"`
	SensorData json.RawMessage `json:"sensorData,omitempty"`
}

type sensorCommand struct {
	Message    string          `json:"message"`
	Auth       SensorAuth      `json:"auth"`
	SensorData json.RawMessage `json:"sensorData"`
}

// EncodeSensorCommand builds the wire bytes for an outbound sensor command:
// {"message":kind,"auth":auth,"sensorData":null} followed by NUL.
func EncodeSensorCommand(kind string, auth SensorAuth) ([]byte, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sensorCommand{Message: kind, Auth: auth}); err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", kind, err)
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return append(out, Terminator), nil
}

// DecodeSensorFrames splits buf on NUL terminators and parses each segment.
//
// Returns:
//   - msgs: Successfully parsed messages in arrival order
//   - residual: Bytes after the last terminator (an incomplete frame)
//   - errs: One ErrMalformedFrame-wrapped error per segment that failed
func DecodeSensorFrames(buf []byte) (msgs []SensorMessage, residual []byte, errs []error) {
	for {
		i := bytes.IndexByte(buf, Terminator)
		if i < 0 {
			break
		}
		segment := buf[:i]
		buf = buf[i+1:]

		if len(bytes.TrimSpace(segment)) == 0 {
			continue
		}

		msg, err := parseSensorSegment(segment)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(buf) > 0 {
		residual = append([]byte(nil), buf...)
	}
	return msgs, residual, errs
}

func parseSensorSegment(segment []byte) (SensorMessage, error) {
	var msg SensorMessage
	if err := json.Unmarshal(segment, &msg); err != nil {
		return SensorMessage{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if msg.Message == "" {
		return SensorMessage{}, ErrEmptyKind
	}
	return msg, nil
}

// SensorDecoder accumulates reads from one sensor connection.
// It is not safe for concurrent use; each connection's reader owns one.
type SensorDecoder struct {
	buf []byte
	max int
}

// NewSensorDecoder returns a decoder holding at most maxBuffer unterminated
// bytes. A non-positive maxBuffer selects DefaultMaxBuffer.
func NewSensorDecoder(maxBuffer int) *SensorDecoder {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &SensorDecoder{max: maxBuffer}
}

// Feed appends p and returns every message completed by it.
func (d *SensorDecoder) Feed(p []byte) ([]SensorMessage, []error) {
	d.buf = append(d.buf, p...)
	msgs, residual, errs := DecodeSensorFrames(d.buf)
	d.buf = residual

	if len(d.buf) > d.max {
		d.buf = nil
		errs = append(errs, ErrFrameTooLarge)
	}
	return msgs, errs
}

// Buffered returns the number of bytes awaiting a terminator.
func (d *SensorDecoder) Buffered() int {
	return len(d.buf)
}
