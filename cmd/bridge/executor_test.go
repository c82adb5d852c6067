package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/bridge"
	"github.com/Zereker/bridge/protocol"
)

func TestDiagnostics_Echo(t *testing.T) {
	d := newDiagnostics(nil)

	result, err := d.Execute(context.Background(), bridge.Request{
		Command: "echo",
		Params:  json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(result.(json.RawMessage)))

	result, err = d.Execute(context.Background(), bridge.Request{Command: "echo"})
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestDiagnostics_Status(t *testing.T) {
	b, err := bridge.NewBridge(bridge.ExecutorOption(newDiagnostics(nil)))
	require.NoError(t, err)
	d := newDiagnostics(b)

	result, err := d.Execute(context.Background(), bridge.Request{Command: "status", SessionID: "s-1"})
	require.NoError(t, err)

	status := result.(map[string]any)
	assert.Equal(t, protocol.Version, status["protocolVersion"])
	assert.Equal(t, "s-1", status["sessionId"])
	assert.Equal(t, int64(0), status["activeConnections"])
}

func TestDiagnostics_Sleep(t *testing.T) {
	d := newDiagnostics(nil)

	result, err := d.Execute(context.Background(), bridge.Request{
		Command: "sleep",
		Params:  json.RawMessage(`{"ms":10}`),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept": 10}, result)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Execute(ctx, bridge.Request{Command: "sleep", Params: json.RawMessage(`{"ms":5000}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = d.Execute(context.Background(), bridge.Request{Command: "sleep", Params: json.RawMessage(`"x"`)})
	assert.Equal(t, protocol.CodeMalformedFrame, protocol.CodeOf(err))
}

func TestDiagnostics_Unknown(t *testing.T) {
	d := newDiagnostics(nil)

	_, err := d.Execute(context.Background(), bridge.Request{Command: "spawn_actor"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnsupportedMessage, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), "spawn_actor")
}
