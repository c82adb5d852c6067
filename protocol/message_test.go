package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/bridge/wire"
)

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"command","command":"spawn","id":7,"params":{"name":"cube"},"ts":1700000000123}`))
	require.NoError(t, err)

	assert.Equal(t, "command", msg.Type())
	assert.Equal(t, "spawn", msg.Command())
	assert.Equal(t, json.Number("7"), msg.ID())

	ts, ok := msg.Int64("ts")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123), ts)

	params, err := msg.Params()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"cube"}`, string(params))
}

func TestDecodeMessage_NotObject(t *testing.T) {
	_, err := DecodeMessage([]byte(`"hello"`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = DecodeMessage([]byte(`{`))
	assert.Error(t, err)
}

func TestMessage_CommandFallsBackToType(t *testing.T) {
	msg := Message{"type": "get_actors"}
	assert.Equal(t, "get_actors", msg.Command())

	params, err := msg.Params()
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestMessage_Int64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{"json number", json.Number("42"), 42, true},
		{"json float integral", json.Number("1.0"), 1, true},
		{"json float fractional", json.Number("1.5"), 0, false},
		{"float64", float64(3), 3, true},
		{"int", 5, 5, true},
		{"string", "1", 0, false},
		{"missing", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Message{"v": tt.value}.Int64("v")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorEnvelope_Shape(t *testing.T) {
	env := ErrorEnvelope(NewError(CodeVersionMismatch, "unsupported protocol version %d", 2).
		WithDetails(map[string]any{"got": 2}))

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"error":{"code":"PROTOCOL_VERSION_MISMATCH","message":"unsupported protocol version 2","details":{"got":2}}}`, string(data))
}

func TestEnvelopeError(t *testing.T) {
	_, ok := EnvelopeError(Message{"ok": true})
	assert.False(t, ok)

	_, ok = EnvelopeError(Message{"ok": false})
	assert.False(t, ok)

	pe, ok := EnvelopeError(Message{"ok": false, "error": map[string]any{"code": "READ_TIMEOUT", "message": "idle"}})
	require.True(t, ok)
	assert.Equal(t, CodeReadTimeout, pe.Code)
	assert.Equal(t, "idle", pe.Message)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"protocol error", NewError(CodeUnsupportedMessage, "x"), CodeUnsupportedMessage},
		{"wrapped protocol error", pkgerrors.Wrap(NewError(CodeWriteError, "x"), "ctx"), CodeWriteError},
		{"unknown code", &Error{Code: "TEAPOT"}, CodeInternal},
		{"version", ErrVersionMismatch, CodeVersionMismatch},
		{"legacy", ErrLegacyPeer, CodeVersionMismatch},
		{"too large", wire.ErrFrameTooLarge, CodeMalformedFrame},
		{"empty", wire.ErrEmptyFrame, CodeMalformedFrame},
		{"invalid json", wire.ErrInvalidJSON, CodeMalformedFrame},
		{"read timeout", &wire.OpError{Op: "read", Outcome: wire.OutcomeTimeout}, CodeReadTimeout},
		{"write failure", &wire.OpError{Op: "write", Outcome: wire.OutcomeError}, CodeWriteError},
		{"write timeout", &wire.OpError{Op: "write", Outcome: wire.OutcomeTimeout}, CodeWriteError},
		{"other", errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestAsError_HidesInternalDetail(t *testing.T) {
	pe := AsError(errors.New("open /secret/path: permission denied"))
	assert.Equal(t, CodeInternal, pe.Code)
	assert.Equal(t, "internal error", pe.Message)

	original := NewError(CodeUnsupportedMessage, "nope")
	assert.Same(t, original, AsError(original))
}

func TestCode_Valid(t *testing.T) {
	for _, c := range []Code{CodeVersionMismatch, CodeMalformedFrame, CodeReadTimeout, CodeWriteError, CodeUnsupportedMessage, CodeInternal} {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Code("NOPE").Valid())
}
