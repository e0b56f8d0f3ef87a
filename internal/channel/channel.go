// Package channel implements the persistent control channel between the
// node and the control plane. Every message is a request carrying a JSON
// payload; every reply is a JSON array of the form [error, value].
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Message names
const (
	EventEnable      = "enable"
	EventDisable     = "disable"
	EventKeepAlive   = "keep-alive"
	EventRequestCert = "request-cert"
)

// ErrNotConnected is returned when a message is emitted without a live connection
var ErrNotConnected = errors.New("control channel is not connected")

// EventType enumerates transport-level notifications
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventError
	EventReconnect
	EventReconnectError
	EventReconnectFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventReconnect:
		return "reconnect"
	case EventReconnectError:
		return "reconnect_error"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is a transport-level notification
type Event struct {
	Type    EventType
	Attempt int   // reconnect only
	Err     error // disconnect reason or error detail
}

// Channel is a request/acknowledge transport to the control plane
type Channel interface {
	// Connect opens the channel. It is a no-op while connected.
	Connect(ctx context.Context) error
	// Emit sends a message and waits for its acknowledgement
	Emit(ctx context.Context, event string, payload interface{}) (*Ack, error)
	// Events delivers transport notifications for the channel's lifetime
	Events() <-chan Event
	// Connected reports whether the transport is currently up
	Connected() bool
	// Close shuts the channel down; it may be reopened with Connect
	Close() error
}

// RemoteError is an error reported by the control plane in an acknowledgement
type RemoteError struct {
	Message string
	Raw     json.RawMessage
}

func (e *RemoteError) Error() string {
	return "control plane error: " + e.Message
}

// Ack is a decoded [error, value] acknowledgement
type Ack struct {
	Err  *RemoteError
	Data json.RawMessage
}

// Result returns the remote error, if any
func (a *Ack) Result() error {
	if a.Err != nil {
		return a.Err
	}
	return nil
}

// Truthy reports whether the value is present and not false, null, zero or
// an empty string
func (a *Ack) Truthy() bool {
	return truthy(a.Data)
}

// Decode unmarshals the value into v
func (a *Ack) Decode(v interface{}) error {
	if len(a.Data) == 0 {
		return errors.New("acknowledgement carries no value")
	}
	return json.Unmarshal(a.Data, v)
}

// DecodeAck parses a raw [error, value] reply
func DecodeAck(data []byte) (*Ack, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("malformed acknowledgement: %w", err)
	}

	ack := &Ack{}
	if len(parts) > 0 && truthy(parts[0]) {
		ack.Err = decodeRemoteError(parts[0])
	}
	if len(parts) > 1 {
		ack.Data = parts[1]
	}
	return ack, nil
}

// EncodeAck builds a reply. A nil err encodes as null.
func EncodeAck(err error, value interface{}) ([]byte, error) {
	var errPart interface{}
	if err != nil {
		errPart = map[string]string{"message": err.Error()}
	}
	return json.Marshal([]interface{}{errPart, value})
}

func decodeRemoteError(raw json.RawMessage) *RemoteError {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return &RemoteError{Message: obj.Message, Raw: raw}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &RemoteError{Message: s, Raw: raw}
	}

	return &RemoteError{Message: string(raw), Raw: raw}
}

func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`:
		return false
	}
	if f, err := strconv.ParseFloat(string(v), 64); err == nil {
		return f != 0
	}
	return true
}
