package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Zereker/bridge"
	"github.com/Zereker/bridge/protocol"
)

// diagnostics is the executor served by `bridge serve` when no host
// application is attached. It answers echo and status so clients can
// check the round trip.
type diagnostics struct {
	started time.Time
	bridge  *bridge.Bridge
}

func newDiagnostics(b *bridge.Bridge) *diagnostics {
	return &diagnostics{started: time.Now(), bridge: b}
}

// Execute implements bridge.Executor.
func (d *diagnostics) Execute(ctx context.Context, req bridge.Request) (any, error) {
	switch req.Command {
	case "echo":
		if req.Params == nil {
			return map[string]any{}, nil
		}
		return req.Params, nil
	case "status":
		status := map[string]any{
			"version":         version,
			"protocolVersion": protocol.Version,
			"uptimeSeconds":   int64(time.Since(d.started).Seconds()),
			"sessionId":       req.SessionID,
		}
		if d.bridge != nil {
			status["activeConnections"] = d.bridge.Active()
		}
		return status, nil
	case "sleep":
		var params struct {
			Millis int `json:"ms"`
		}
		if req.Params != nil {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, protocol.NewError(protocol.CodeMalformedFrame, "invalid sleep params: %v", err)
			}
		}
		select {
		case <-time.After(time.Duration(params.Millis) * time.Millisecond):
			return map[string]any{"slept": params.Millis}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, protocol.NewError(protocol.CodeUnsupportedMessage, "unknown command %q", req.Command)
	}
}
