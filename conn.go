// Package bridge lets an external process drive a host application over a
// local TCP connection. Each connection performs a version handshake and
// then exchanges length-prefixed JSON frames in strict request/response
// order, with commands handed to an Executor.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Zereker/bridge/protocol"
	"github.com/Zereker/bridge/session"
	"github.com/Zereker/bridge/telemetry"
	"github.com/Zereker/bridge/wire"
)

// Errors returned by connection operations.
var (
	// ErrInvalidExecutor is returned when no executor is provided.
	ErrInvalidExecutor = errors.New("invalid executor")
	// ErrIdleTimeout is returned by Run when the peer stayed silent too long.
	ErrIdleTimeout = errors.New("idle timeout")
)

// ErrConnectionClosed is returned when the connection was closed locally.
var ErrConnectionClosed = errors.New("connection closed")

// Default configuration values.
const (
	defaultReadTimeout      = protocol.DefaultTimeout
	defaultWriteTimeout     = protocol.DefaultTimeout
	defaultHandshakeTimeout = 10 * time.Second
	defaultPollInterval     = 500 * time.Millisecond
	defaultServerVersion    = "dev"
)

// Conn is one peer connection. Run owns the socket, the protocol session
// and the session tracker for the lifetime of the connection; only Close
// and IsClosed may be called from other goroutines.
type Conn struct {
	rawConn *net.TCPConn
	session *protocol.Session
	tracker *session.Tracker
	limiter *rate.Limiter
	logger  Logger

	opts options

	id     string
	peer   *protocol.Handshake
	closed atomic.Bool
}

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the executor is missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.executor == nil {
		return ErrInvalidExecutor
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.sink == nil {
		opts.sink = telemetry.NopSink{}
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Continue }
	}

	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.handshakeTimeout <= 0 {
		opts.handshakeTimeout = defaultHandshakeTimeout
	}

	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.commandTimeout < 0 {
		opts.commandTimeout = 0
	}

	if !opts.legacySet {
		opts.legacy = wire.LegacyProbe
	}

	if opts.maxReadLength <= 0 || opts.maxReadLength > wire.MaxFrameSize {
		opts.maxReadLength = wire.MaxFrameSize
	}

	if opts.messageRate < 0 {
		opts.messageRate = 0
	}

	if opts.serverVersion == "" {
		opts.serverVersion = defaultServerVersion
	}

	return nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	id := uuid.NewString()
	addr := c.RemoteAddr().String()

	cc := &Conn{
		rawConn: c,
		session: protocol.NewSession(c,
			protocol.WithTimeout(opts.writeTimeout),
			protocol.WithFrameTimeout(opts.readTimeout),
			protocol.WithServerVersion(opts.serverVersion),
			protocol.WithLegacyMode(opts.legacy),
			protocol.WithMaxFrame(opts.maxReadLength),
		),
		tracker: session.New(addr, c),
		logger:  withFields(opts.logger, "conn", id, "addr", addr),
		opts:    opts,
		id:      id,
	}

	if opts.messageRate > 0 {
		burst := int(opts.messageRate)
		if burst < 1 {
			burst = 1
		}
		cc.limiter = rate.NewLimiter(rate.Limit(opts.messageRate), burst)
	}

	return cc
}

// Run performs the handshake and then serves messages until the peer
// disconnects, a terminal error occurs or ctx is canceled. The context is
// checked between messages, never in the middle of a write. The connection
// is always closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established")
	c.logger.Debug("connection options",
		"read_timeout", c.opts.readTimeout,
		"handshake_timeout", c.opts.handshakeTimeout,
		"heartbeat", c.opts.heartbeat,
		"idle_timeout", c.opts.idleTimeout,
		"legacy_mode", c.opts.legacy.String(),
		"max_read_length", c.opts.maxReadLength)

	c.opts.metrics.ConnectionOpened()
	defer c.opts.metrics.ConnectionClosed()

	err := c.handshake()
	if err == nil {
		err = c.serve(ctx)
	}
	c.closeConn()

	fields := map[string]any{
		"messages":   c.tracker.MessageCount(),
		"durationMs": c.tracker.Age().Milliseconds(),
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, wire.ErrPeerClosed) {
		fields["error"] = err.Error()
		c.logger.Info("connection closed with error", "error", err, "messages", c.tracker.MessageCount())
		c.event(telemetry.LevelWarn, "connection", "connection closed with error", "", fields)
	} else {
		c.logger.Info("connection closed", "messages", c.tracker.MessageCount())
		c.event(telemetry.LevelInfo, "connection", "connection closed", "", fields)
	}

	return err
}

// handshake waits for the peer's handshake. Rejections are reported to
// the peer by the protocol session.
func (c *Conn) handshake() error {
	hs, err := c.session.Accept(c.opts.handshakeTimeout)
	if err != nil {
		if c.closed.Load() {
			return ErrConnectionClosed
		}

		result := handshakeResult(err)
		c.opts.metrics.Handshake(result)

		switch code := protocol.CodeOf(err); code {
		case protocol.CodeVersionMismatch, protocol.CodeMalformedFrame:
			c.opts.metrics.ProtocolError(string(code))
		case protocol.CodeReadTimeout:
			_ = c.reject(protocol.NewError(protocol.CodeReadTimeout, "no handshake within %s", c.opts.handshakeTimeout))
		}

		c.logger.Warn("handshake failed", "result", result, "error", err)
		c.event(telemetry.LevelWarn, "handshake", "handshake failed", "", map[string]any{
			"result": result,
			"legacy": c.session.LegacyDetected(),
			"error":  err.Error(),
		})
		return err
	}

	c.peer = hs
	c.tracker.Touch()
	c.opts.metrics.Handshake("ok")
	c.opts.metrics.FrameSent()

	c.logger.Info("handshake complete",
		"engine_version", hs.EngineVersion,
		"plugin_version", hs.PluginVersion,
		"session_id", hs.SessionID)
	c.event(telemetry.LevelInfo, "handshake", "handshake complete", "", map[string]any{
		"engineVersion": hs.EngineVersion,
		"pluginVersion": hs.PluginVersion,
	})
	return nil
}

func handshakeResult(err error) string {
	switch {
	case errors.Is(err, protocol.ErrLegacyPeer):
		return "legacy"
	case errors.Is(err, protocol.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, protocol.ErrInvalidHandshake):
		return "invalid"
	case errors.Is(err, wire.ErrTimeout):
		return "timeout"
	case errors.Is(err, wire.ErrPeerClosed):
		return "closed"
	case protocol.CodeOf(err) == protocol.CodeMalformedFrame:
		return "malformed"
	}
	return "error"
}

// serve is the receive/dispatch loop. Each response is written before the
// next frame is read.
func (c *Conn) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.tracker.HasTimedOut(c.opts.idleTimeout) {
			_ = c.reject(protocol.NewError(protocol.CodeReadTimeout,
				"no message received for %s", c.opts.idleTimeout))
			return ErrIdleTimeout
		}

		if err := c.heartbeat(); err != nil {
			return c.transportError(err)
		}

		msg, _, err := c.session.Receive(c.opts.pollInterval)
		if err != nil {
			if errors.Is(err, wire.ErrIdle) {
				continue
			}
			if err = c.rejectReceived(err); err != nil {
				return c.transportError(err)
			}
			continue
		}

		c.tracker.Touch()
		c.opts.metrics.FrameReceived()

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.Wrap(err, "rate limit")
			}
		}

		if err := c.dispatch(ctx, msg); err != nil {
			return c.transportError(err)
		}
	}
}

// rejectReceived answers a failed receive. It returns nil when the
// connection may keep going.
func (c *Conn) rejectReceived(err error) error {
	switch {
	case errors.Is(err, wire.ErrInvalidJSON),
		errors.Is(err, wire.ErrEmptyFrame),
		errors.Is(err, protocol.ErrNotObject):
		// The frame boundary is intact.
		c.tracker.Touch()
		if werr := c.reject(protocol.AsError(err)); werr != nil {
			return werr
		}
		c.logger.Debug("malformed message rejected", "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
		return nil

	case errors.Is(err, wire.ErrFrameTooLarge):
		// The payload was not consumed, so the stream cannot be resynchronised.
		_ = c.reject(protocol.AsError(err))
		return err

	case errors.Is(err, wire.ErrTimeout):
		_ = c.reject(protocol.NewError(protocol.CodeReadTimeout,
			"frame not completed within %s", c.opts.readTimeout))
		return err
	}
	return err
}

func (c *Conn) dispatch(ctx context.Context, msg protocol.Message) error {
	switch msg.Type() {
	case protocol.TypePing:
		ts, _ := msg.Int64("ts")
		if err := c.session.SendPong(ts); err != nil {
			return err
		}
		c.opts.metrics.FrameSent()
		return nil

	case protocol.TypePong:
		if ts, ok := msg.Int64("ts"); ok {
			c.logger.Debug("pong received", "rtt", time.Since(time.UnixMilli(ts)))
		}
		return nil

	case protocol.TypeHandshake, protocol.TypeHandshakeAck, protocol.TypeResponse:
		return c.respondError(msg.ID(), protocol.NewError(protocol.CodeUnsupportedMessage,
			"message type %q is not accepted after the handshake", msg.Type()))
	}

	if msg.Command() == "" || (msg.Type() == protocol.TypeCommand && msg.String("command") == "") {
		return c.respondError(msg.ID(), protocol.NewError(protocol.CodeUnsupportedMessage,
			"message names no command"))
	}

	return c.execute(ctx, msg)
}

// execute hands one command to the executor and writes the response.
func (c *Conn) execute(ctx context.Context, msg protocol.Message) error {
	params, err := msg.Params()
	if err != nil {
		return c.respondError(msg.ID(), protocol.NewError(protocol.CodeMalformedFrame, "params: %v", err))
	}

	req := Request{
		Command:   msg.Command(),
		Params:    params,
		ID:        msg.ID(),
		SessionID: c.peer.SessionID,
	}
	requestID := requestID(req.ID)

	if err := c.tracker.BeginCommand(req.Command); err != nil {
		c.logger.Warn("command overlaps a pending one", "command", req.Command, "error", err)
	}
	result, execErr := c.invoke(ctx, req)
	stuck := c.tracker.CommandStuck(c.opts.commandTimeout)
	_, took, _ := c.tracker.EndCommand()

	c.opts.metrics.Command(req.Command, execErr == nil, took)
	c.opts.sink.Metric("command", map[string]any{
		"command":    req.Command,
		"requestId":  requestID,
		"sessionId":  req.SessionID,
		"ok":         execErr == nil,
		"durationMs": took.Milliseconds(),
	})

	if stuck {
		c.logger.Warn("command exceeded timeout", "command", req.Command, "took", took, "timeout", c.opts.commandTimeout)
	}

	if execErr != nil {
		pe := protocol.AsError(execErr)
		if errors.Is(execErr, context.DeadlineExceeded) && c.opts.commandTimeout > 0 {
			pe = protocol.NewError(protocol.CodeInternal, "command %q timed out after %s", req.Command, c.opts.commandTimeout)
		}
		c.logger.Warn("command failed", "command", req.Command, "id", requestID, "error", execErr)
		c.event(telemetry.LevelWarn, "command", "command failed", requestID, map[string]any{
			"command": req.Command,
			"code":    string(pe.Code),
			"error":   execErr.Error(),
		})
		return c.respondError(req.ID, pe)
	}

	c.logger.Debug("command executed", "command", req.Command, "id", requestID, "took", took)

	err = c.session.Send(protocol.Envelope{
		Type:   protocol.TypeResponse,
		ID:     req.ID,
		OK:     true,
		Result: result,
	})
	if err != nil {
		if wire.IsWriteError(err) {
			return err
		}
		// Nothing was written: the result could not be encoded or framed.
		c.logger.Error("command result not sendable", "command", req.Command, "error", err)
		return c.respondError(req.ID, protocol.NewError(protocol.CodeInternal, "command result could not be encoded"))
	}
	c.opts.metrics.FrameSent()
	return nil
}

// invoke runs the executor, converting panics into errors.
func (c *Conn) invoke(ctx context.Context, req Request) (result any, err error) {
	if c.opts.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.commandTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("executor panic", "command", req.Command, "panic", r)
			result, err = nil, errors.Errorf("executor panic: %v", r)
		}
	}()

	return c.opts.executor.Execute(ctx, req)
}

// respondError sends a failure envelope correlated with a request id.
func (c *Conn) respondError(id any, e *protocol.Error) error {
	env := protocol.ErrorEnvelope(e)
	env.Type = protocol.TypeResponse
	env.ID = id

	c.opts.metrics.ProtocolError(string(e.Code))
	if err := c.session.Send(env); err != nil {
		return err
	}
	c.opts.metrics.FrameSent()
	return nil
}

// reject sends a bare protocol error envelope.
func (c *Conn) reject(e *protocol.Error) error {
	c.opts.metrics.ProtocolError(string(e.Code))
	if err := c.session.SendError(e); err != nil {
		return err
	}
	c.opts.metrics.FrameSent()
	return nil
}

// heartbeat pings the peer once nothing has been sent for the heartbeat interval.
func (c *Conn) heartbeat() error {
	if c.opts.heartbeat <= 0 || time.Since(c.session.LastSent()) < c.opts.heartbeat {
		return nil
	}

	ts, err := c.session.SendPing()
	if err != nil {
		return errors.Wrap(err, "send ping")
	}
	c.opts.metrics.FrameSent()
	c.logger.Debug("ping sent", "ts", ts)
	return nil
}

func (c *Conn) transportError(err error) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return err
}

func (c *Conn) event(level telemetry.Level, category, message, requestID string, fields map[string]any) {
	sessionID := c.id
	if c.peer != nil && c.peer.SessionID != "" {
		sessionID = c.peer.SessionID
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["conn"] = c.id
	fields["addr"] = c.tracker.Name()

	c.opts.sink.Event(telemetry.Event{
		Level:     level,
		Category:  category,
		RequestID: requestID,
		SessionID: sessionID,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	})
}

func requestID(id any) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

// Close closes the connection. A running Run returns ErrConnectionClosed.
// Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ID returns the identifier used in logs and telemetry.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// closeConn marks the connection as closed and tears down the session.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.tracker.MarkClosed()
	_ = c.session.Close()
}
