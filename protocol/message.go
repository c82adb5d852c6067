package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Version is the only protocol version this package speaks.
const Version = 1

// System message types. Every other type is an opaque command envelope.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake/ack"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeResponse     = "response"
	// TypeCommand marks an envelope whose command name is in "command".
	TypeCommand      = "command"
)

// Capabilities advertised in every handshake/ack.
var Capabilities = []string{"framed-json", "heartbeat", "error-schema"}

// Message is a decoded JSON object. Numbers are kept as json.Number.
type Message map[string]any

// DecodeMessage parses payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Message(m), nil
}

// Type returns the "type" field.
func (m Message) Type() string { return m.String("type") }

// Command returns the command name: the "command" field, else the type.
func (m Message) Command() string {
	if c := m.String("command"); c != "" {
		return c
	}
	return m.Type()
}

// ID returns the raw request id, if any.
func (m Message) ID() any { return m["id"] }

// String returns a string field, or "".
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int64 returns an integral numeric field.
func (m Message) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(string(v), 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// Params returns the "params" field re-encoded as JSON, or nil.
func (m Message) Params() (json.RawMessage, error) {
	p, ok := m["params"]
	if !ok || p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Handshake is the first message a client sends.
type Handshake struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion"`
	EngineVersion   string `json:"engineVersion"`
	PluginVersion   string `json:"pluginVersion"`
	SessionID       string `json:"sessionId"`
}

// Ack is the server's reply to a valid handshake.
type Ack struct {
	Type          string   `json:"type"`
	OK            bool     `json:"ok"`
	ServerVersion string   `json:"serverVersion"`
	Capabilities  []string `json:"capabilities"`
}

// Heartbeat is a ping or pong. TS is a Unix timestamp in milliseconds.
type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// ErrorBody is the "error" member of an envelope.
type ErrorBody struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope carries a command result or a protocol error. Protocol errors
// leave Type and ID empty.
type Envelope struct {
	Type   string     `json:"type,omitempty"`
	ID     any        `json:"id,omitempty"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorEnvelope builds the canonical failure shape for e.
func ErrorEnvelope(e *Error) Envelope {
	return Envelope{OK: false, Error: e.Body()}
}

// EnvelopeError extracts the error carried by a failure envelope.
func EnvelopeError(m Message) (*Error, bool) {
	if ok, _ := m["ok"].(bool); ok {
		return nil, false
	}
	body, ok := m["error"].(map[string]any)
	if !ok {
		return nil, false
	}

	code, _ := body["code"].(string)
	msg, _ := body["message"].(string)
	details, _ := body["details"].(map[string]any)
	return &Error{Code: Code(code), Message: msg, Details: details}, true
}
