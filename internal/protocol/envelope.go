// Package protocol defines the wire format spoken with the coordination
// server.
//
// Every message is a single JSON object carried in a text WebSocket frame.
// The server sends InboundEnvelope messages; the node answers with
// OutboundEnvelope messages that echo the inbound id. Two node-initiated
// messages exist: the AUTH envelope sent once per session and the periodic
// PING.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Actions understood by the node.
const (
	ActionAuth        = "AUTH"
	ActionPing        = "PING"
	ActionPong        = "PONG"
	ActionHTTPRequest = "HTTP_REQUEST"
)

// UserAgent is the user agent reported in the AUTH envelope.
const UserAgent = "Mozilla/5.0"

// InboundEnvelope is a message received from the coordination server.
type InboundEnvelope struct {
	ID     string                     `json:"id"`
	Action string                     `json:"action"`
	Data   map[string]json.RawMessage `json:"data"`
}

// OutboundEnvelope answers an InboundEnvelope. Result must marshal to a JSON
// object.
type OutboundEnvelope struct {
	ID           string `json:"id"`
	OriginAction string `json:"origin_action"`
	Result       any    `json:"result"`
}

// PingMessage is the liveness message the node sends on a fixed interval.
type PingMessage struct {
	ID      string   `json:"id"`
	Action  string   `json:"action"`
	Version string   `json:"version"`
	Data    struct{} `json:"data"`
}

// AuthResult is the result payload of the AUTH envelope.
type AuthResult struct {
	BrowserID  string `json:"browser_id"`
	UserID     string `json:"user_id"`
	UserAgent  string `json:"user_agent"`
	Timestamp  int64  `json:"timestamp"`
	DeviceType string `json:"device_type"`
	Version    string `json:"version"`

	// ExtensionID is omitted for node types that have none.
	ExtensionID string `json:"extension_id,omitempty"`
}

// NewAuthResult builds the AUTH payload for a node of type t.
func NewAuthResult(browserID, userID string, t NodeType, unixSeconds int64) AuthResult {
	ext, _ := t.ExtensionID()
	return AuthResult{
		BrowserID:   browserID,
		UserID:      userID,
		UserAgent:   UserAgent,
		Timestamp:   unixSeconds,
		DeviceType:  t.DeviceType(),
		Version:     t.Version(),
		ExtensionID: ext,
	}
}

// EmptyResult is the result of acknowledgment responses. It marshals to {}.
type EmptyResult struct{}

// DecodeError reports an inbound message that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeInbound parses an inbound message. The id and action fields are
// required; a missing data object decodes as an empty map.
func DecodeInbound(data []byte) (InboundEnvelope, error) {
	var raw struct {
		ID     *string                    `json:"id"`
		Action *string                    `json:"action"`
		Data   map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return InboundEnvelope{}, &DecodeError{Reason: "invalid envelope", Err: err}
	}
	if raw.ID == nil {
		return InboundEnvelope{}, &DecodeError{Reason: "missing id"}
	}
	if raw.Action == nil {
		return InboundEnvelope{}, &DecodeError{Reason: "missing action"}
	}
	if raw.Data == nil {
		raw.Data = map[string]json.RawMessage{}
	}
	return InboundEnvelope{ID: *raw.ID, Action: *raw.Action, Data: raw.Data}, nil
}

// Encode marshals an outgoing message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}
