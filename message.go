package bridge

import (
	"context"
	"encoding/json"
)

// Request is one command received from a peer after the handshake.
type Request struct {
	// Command is the "command" member, or "type" when command is absent.
	Command string
	// Params is the raw "params" member, nil when absent.
	Params json.RawMessage
	// ID is echoed in the response envelope. It may be nil.
	ID any
	// SessionID is the peer's handshake session identifier.
	SessionID string
}

// Executor runs commands on behalf of the host application.
// The bridge does not interpret command semantics: it frames and routes
// the bytes and converts failures into protocol error envelopes.
//
// The returned result is marshalled as the "result" member of the response.
// Returning a *protocol.Error selects the error code sent to the peer; any
// other error is reported as INTERNAL_ERROR. Execute is called from the
// goroutine owning the connection, one request at a time.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}
