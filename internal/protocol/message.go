// Package protocol defines the envelope and payload types exchanged
// between agents and the server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

// The closed set of message types.
const (
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeAuth         MessageType = "auth"
	TypeCommand      MessageType = "command"
	TypeResult       MessageType = "result"
	TypeFileUpload   MessageType = "file_upload"
	TypeFileDownload MessageType = "file_download"
	TypeSysinfo      MessageType = "sysinfo"
	TypeError        MessageType = "error"
)

// Types lists every known message type.
var Types = []MessageType{
	TypePing, TypePong, TypeAuth, TypeCommand, TypeResult,
	TypeFileUpload, TypeFileDownload, TypeSysinfo, TypeError,
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// ErrMalformed is returned when raw bytes cannot be decoded as an Envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the canonical wrapper for every agent/server exchange.
// Wire shape:
//
//	{"type": "...", "agent_id": "..."|null, "timestamp": "...", "data": {...}}
type Envelope struct {
	Type      MessageType
	AgentID   string
	Timestamp string
	Data      json.RawMessage
}

type wireEnvelope struct {
	Type      MessageType     `json:"type"`
	AgentID   *string         `json:"agent_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New builds an envelope, marshalling data and stamping the current UTC
// time. A nil data value becomes an empty object.
func New(t MessageType, data any, agentID string) (Envelope, error) {
	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return Envelope{
		Type:      t,
		AgentID:   agentID,
		Timestamp: Now(),
		Data:      raw,
	}, nil
}

// Now returns the current time in the envelope timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Valid reports whether the envelope carries type, timestamp and data.
// The type is not checked against the known set and the payload shape is
// not inspected; per-type checks belong to the Router.
func (e Envelope) Valid() bool {
	return e.Type != "" && e.Timestamp != "" && len(e.Data) > 0
}

// MarshalJSON encodes the envelope in its wire shape; an empty AgentID
// is written as null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Type: e.Type, Timestamp: e.Timestamp, Data: e.Data}
	if e.AgentID != "" {
		id := e.AgentID
		w.AgentID = &id
	}
	if w.Data == nil {
		w.Data = json.RawMessage(`null`)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.Timestamp = w.Timestamp
	e.Data = w.Data
	e.AgentID = ""
	if w.AgentID != nil {
		e.AgentID = *w.AgentID
	}
	return nil
}

// IsValid reports whether raw is a JSON object containing the type,
// timestamp and data keys. Values are not inspected.
func IsValid(raw []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for _, k := range []string{"type", "timestamp", "data"} {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

// Decode parses and validates raw envelope bytes.
func Decode(raw []byte) (Envelope, error) {
	if !IsValid(raw) {
		return Envelope{}, ErrMalformed
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// DecodeData unmarshals the envelope payload into T.
func DecodeData[T any](e Envelope) (T, error) {
	var v T
	if len(e.Data) == 0 {
		return v, fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}
