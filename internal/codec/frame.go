// Package codec encodes and decodes the single tagged Frame schema that
// travels the wire in both directions. It is a pure value transformation: no
// I/O, no logging of payloads.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Event is the enumerated Frame tag.
type Event string

const (
	EventMessage               Event = "message"
	EventAddChannel            Event = "add_channel"
	EventLeaveChannel          Event = "leave_channel"
	EventChannelSubscriptions  Event = "channel_subscriptions"
	EventPerfTest              Event = "perf_test"
	EventMessageHistory        Event = "message_history"
)

const (
	maxChannelLen = 64
	maxContentLen = 4096
)

// Frame is the one wire-level schema shared by every event.
type Frame struct {
	Event   Event    `json:"event"`
	Channel string   `json:"channel,omitempty"`
	Content string   `json:"content,omitempty"`
	Sender  string   `json:"sender,omitempty"`
	SentAt  string   `json:"sent_at,omitempty"`
	Data    []string `json:"data,omitempty"`

	PerfTestID int64 `json:"perf_test_id,omitempty"`

	// Telemetry fields, populated only on monitor replies.
	CPULoad           []float64 `json:"cpu_load,omitempty"`
	MemoryUsage       float64   `json:"memory_usage,omitempty"`
	ActiveConnections int       `json:"active_connections,omitempty"`
	MessageVolume     int64     `json:"message_volume,omitempty"`
	MVPeriod          float64   `json:"mv_period,omitempty"`
	MVAdjusted        int64     `json:"mv_adjusted,omitempty"`
}

// EncodeError wraps failures turning a Frame into bytes.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("codec: encode failed: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps failures turning bytes into a Frame.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("codec: decode failed: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Validate enforces the bounds spec.md §3 places on Channel and Content.
// Encode calls this so impossible field values fail loudly rather than
// silently truncating on the wire.
func (f Frame) Validate() error {
	if len(f.Channel) > maxChannelLen {
		return fmt.Errorf("channel exceeds %d bytes", maxChannelLen)
	}
	if len(f.Content) > maxContentLen {
		return fmt.Errorf("content exceeds %d bytes", maxContentLen)
	}
	return nil
}

// Encode turns a Frame into length-framed binary bytes: a 4-byte big-endian
// length prefix followed by the JSON body. Length-framing is the binary
// transport spec.md §6 calls authoritative; JSON is the body format actually
// used end to end in the system this was distilled from.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, &EncodeError{Err: err}
	}

	body, err := json.Marshal(f)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// EncodeBody is Encode without the length prefix, for transports (like
// text-framed WebSocket messages) that already delimit frames themselves.
// Text-framed variants are acceptable during development per spec.md §6.
func EncodeBody(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, &EncodeError{Err: err}
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return body, nil
}

// Decode reverses Encode. Unknown fields are ignored by json.Unmarshal's
// default behavior, satisfying the unknown-field compatibility rule.
func Decode(b []byte) (Frame, error) {
	if len(b) < 4 {
		return Frame{}, &DecodeError{Err: fmt.Errorf("frame too short: %d bytes", len(b))}
	}
	n := binary.BigEndian.Uint32(b[:4])
	if int(n) != len(b)-4 {
		return Frame{}, &DecodeError{Err: fmt.Errorf("length prefix %d does not match body %d", n, len(b)-4)}
	}
	return DecodeBody(b[4:])
}

// DecodeBody decodes a bare JSON body with no length prefix.
func DecodeBody(body []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, &DecodeError{Err: err}
	}
	return f, nil
}
