// Package protocol implements the per-connection state machine of the
// bridge: version handshake, heartbeat and framed message exchange.
//
// A Session moves from StateAwaitingHandshake to StateHandshakeComplete and
// finally StateClosed. Legacy (unframed) detection is only attempted while
// the handshake is pending, and at most once per connection.
package protocol

import (
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Zereker/bridge/wire"
)

// State is the handshake state of a Session.
type State int

const (
	StateAwaitingHandshake State = iota
	StateHandshakeComplete
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateHandshakeComplete:
		return "handshake-complete"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default timeouts.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Second
)

type sessionOptions struct {
	timeout          time.Duration
	heartbeatTimeout time.Duration
	serverVersion    string
	capabilities     []string
	legacy           wire.Mode
	maxFrame         int
	frameTimeout     time.Duration
	now              func() time.Time
}

// Option configures a Session.
type Option func(*sessionOptions)

// WithTimeout sets the default deadline for Send and the handshake.
func WithTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.timeout = d }
}

// WithHeartbeatTimeout sets the deadline used by SendPing and SendPong.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.heartbeatTimeout = d }
}

// WithServerVersion sets the version string sent in handshake/ack.
func WithServerVersion(v string) Option {
	return func(o *sessionOptions) { o.serverVersion = v }
}

// WithCapabilities overrides the advertised capability list.
func WithCapabilities(caps []string) Option {
	return func(o *sessionOptions) { o.capabilities = caps }
}

// WithLegacyMode selects the reader used for unframed peers. wire.Framed
// disables legacy detection.
func WithLegacyMode(m wire.Mode) Option {
	return func(o *sessionOptions) { o.legacy = m }
}

// WithMaxFrame lowers the largest payload accepted from the peer.
func WithMaxFrame(n int) Option {
	return func(o *sessionOptions) { o.maxFrame = n }
}

// WithFrameTimeout bounds how long the payload of a frame may take once
// its header has arrived, independent of the timeout passed to Receive.
func WithFrameTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.frameTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) { o.now = now }
}

// Session is the protocol state of one connection. It is owned by a single
// goroutine and performs no locking.
type Session struct {
	conn net.Conn
	dec  *wire.Decoder
	opts sessionOptions

	state          State
	legacyDetected bool
	lastReceived   time.Time
	lastSent       time.Time
}

// NewSession wraps conn.
func NewSession(conn net.Conn, opt ...Option) *Session {
	opts := sessionOptions{
		timeout:          DefaultTimeout,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		serverVersion:    "dev",
		capabilities:     Capabilities,
		legacy:           wire.LegacyProbe,
		maxFrame:         wire.MaxFrameSize,
		now:              time.Now,
	}
	for _, o := range opt {
		o(&opts)
	}

	dec := wire.NewDecoder(conn, opts.legacy)
	dec.SetLimit(opts.maxFrame)
	dec.SetBodyTimeout(opts.frameTimeout)

	return &Session{conn: conn, dec: dec, opts: opts}
}

// Accept performs the server side of the handshake. It returns the peer's
// handshake record on success. Every rejection is reported to the peer
// before Accept returns.
func (s *Session) Accept(timeout time.Duration) (*Handshake, error) {
	if s.state != StateAwaitingHandshake || s.legacyDetected {
		return nil, ErrHandshakeState
	}

	deadline := s.opts.now().Add(timeout)
	payload, err := s.dec.Decode(deadline, true)
	if err != nil {
		if payload.Mode != wire.Framed {
			s.legacyDetected = true
		}
		if errors.Is(err, wire.ErrInvalidJSON) {
			s.lastReceived = s.opts.now()
			_ = s.sendError(NewError(CodeMalformedFrame, "handshake payload is not valid JSON"), deadline)
		} else if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrEmptyFrame) ||
			errors.Is(err, wire.ErrLegacyTooLarge) {
			_ = s.sendError(AsError(err), deadline)
		}
		return nil, errors.Wrap(err, "read handshake")
	}
	s.lastReceived = s.opts.now()

	if payload.Mode != wire.Framed {
		s.legacyDetected = true
		rejection := NewError(CodeVersionMismatch,
			"unframed peer detected; protocol version %d requires length-prefixed frames", Version).
			WithDetails(map[string]any{"expected": Version, "legacy": payload.Mode.String()})
		_ = s.sendError(rejection, deadline)
		return nil, ErrLegacyPeer
	}

	msg, err := DecodeMessage(payload.Data)
	if err != nil {
		_ = s.sendError(NewError(CodeMalformedFrame, "handshake is not a JSON object"), deadline)
		return nil, errors.Wrap(ErrInvalidHandshake, err.Error())
	}

	if msg.Type() != TypeHandshake {
		_ = s.sendError(NewError(CodeVersionMismatch, "expected %q as first message, got %q", TypeHandshake, msg.Type()).
			WithDetails(map[string]any{"expected": Version}), deadline)
		return nil, errors.Wrapf(ErrInvalidHandshake, "first message type %q", msg.Type())
	}

	version, ok := msg.Int64("protocolVersion")
	if !ok {
		_ = s.sendError(NewError(CodeVersionMismatch, "handshake has no numeric protocolVersion").
			WithDetails(map[string]any{"expected": Version}), deadline)
		return nil, errors.Wrap(ErrInvalidHandshake, "missing protocolVersion")
	}
	if version != Version {
		_ = s.sendError(NewError(CodeVersionMismatch, "unsupported protocol version %d", version).
			WithDetails(map[string]any{"expected": Version, "got": version}), deadline)
		return nil, errors.Wrapf(ErrVersionMismatch, "got %d, want %d", version, Version)
	}

	hs := Handshake{
		Type:            TypeHandshake,
		ProtocolVersion: int(version),
		EngineVersion:   msg.String("engineVersion"),
		PluginVersion:   msg.String("pluginVersion"),
		SessionID:       msg.String("sessionId"),
	}

	ack := Ack{
		Type:          TypeHandshakeAck,
		OK:            true,
		ServerVersion: s.opts.serverVersion,
		Capabilities:  s.opts.capabilities,
	}
	if err := s.send(ack, deadline); err != nil {
		return nil, errors.Wrap(err, "send handshake ack")
	}

	s.state = StateHandshakeComplete
	return &hs, nil
}

// ClientInfo identifies a connecting client.
type ClientInfo struct {
	EngineVersion string
	PluginVersion string
	SessionID     string
}

// Initiate performs the client side of the handshake. The response is
// always read as a frame.
func (s *Session) Initiate(info ClientInfo, timeout time.Duration) (*Ack, error) {
	if s.state != StateAwaitingHandshake {
		return nil, ErrHandshakeState
	}
	if info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}

	deadline := s.opts.now().Add(timeout)
	hs := Handshake{
		Type:            TypeHandshake,
		ProtocolVersion: Version,
		EngineVersion:   info.EngineVersion,
		PluginVersion:   info.PluginVersion,
		SessionID:       info.SessionID,
	}
	if err := s.send(hs, deadline); err != nil {
		return nil, errors.Wrap(err, "send handshake")
	}

	payload, err := s.dec.Decode(deadline, false)
	if err != nil {
		return nil, errors.Wrap(err, "read handshake response")
	}
	s.lastReceived = s.opts.now()

	msg, err := DecodeMessage(payload.Data)
	if err != nil {
		return nil, errors.Wrap(ErrHandshakeRejected, err.Error())
	}
	if msg.Type() != TypeHandshakeAck {
		if pe, ok := EnvelopeError(msg); ok {
			return nil, errors.Wrapf(ErrHandshakeRejected, "%s", pe.Error())
		}
		return nil, errors.Wrapf(ErrHandshakeRejected, "unexpected response type %q", msg.Type())
	}
	if err := validateAck(payload.Data); err != nil {
		return nil, errors.Wrap(ErrHandshakeRejected, err.Error())
	}

	var ack Ack
	if err := json.Unmarshal(payload.Data, &ack); err != nil {
		return nil, errors.Wrap(ErrHandshakeRejected, err.Error())
	}
	if !ack.OK {
		return nil, errors.Wrap(ErrHandshakeRejected, "server answered ok=false")
	}

	s.state = StateHandshakeComplete
	return &ack, nil
}

// Send writes v as one frame using the session timeout.
func (s *Session) Send(v any) error {
	return s.SendWithin(v, s.opts.timeout)
}

// SendWithin writes v as one frame before timeout elapses.
func (s *Session) SendWithin(v any, timeout time.Duration) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	return s.send(v, s.opts.now().Add(timeout))
}

func (s *Session) send(v any, deadline time.Time) error {
	if err := wire.EncodeJSON(s.conn, v, deadline); err != nil {
		return err
	}
	s.lastSent = s.opts.now()
	return nil
}

// Receive reads one message before timeout. legacy reports that the message
// arrived unframed, which is only possible before the handshake completes.
// A payload that is not a JSON object is returned as an error wrapping
// wire.ErrInvalidJSON or ErrNotObject; the connection remains usable.
func (s *Session) Receive(timeout time.Duration) (msg Message, legacy bool, err error) {
	if s.state == StateClosed {
		return nil, false, ErrClosed
	}

	allowLegacy := s.state == StateAwaitingHandshake && !s.legacyDetected
	payload, err := s.dec.Decode(s.opts.now().Add(timeout), allowLegacy)
	if err != nil {
		if payload.Mode != wire.Framed {
			s.legacyDetected = true
		}
		if errors.Is(err, wire.ErrInvalidJSON) {
			s.lastReceived = s.opts.now()
		}
		return nil, false, err
	}
	s.lastReceived = s.opts.now()

	if payload.Mode != wire.Framed {
		s.legacyDetected = true
		legacy = true
	}

	msg, err = DecodeMessage(payload.Data)
	if err != nil {
		return nil, legacy, err
	}
	return msg, legacy, nil
}

// SendPing sends a ping stamped with the current time and returns the stamp.
func (s *Session) SendPing() (int64, error) {
	ts := s.opts.now().UnixMilli()
	return ts, s.SendWithin(Heartbeat{Type: TypePing, TS: ts}, s.opts.heartbeatTimeout)
}

// SendPong answers a ping, echoing its timestamp.
func (s *Session) SendPong(ts int64) error {
	return s.SendWithin(Heartbeat{Type: TypePong, TS: ts}, s.opts.heartbeatTimeout)
}

// SendError reports e to the peer. Peers detected as legacy receive the
// envelope unframed.
func (s *Session) SendError(e *Error) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	return s.sendError(e, s.opts.now().Add(s.opts.timeout))
}

func (s *Session) sendError(e *Error, deadline time.Time) error {
	env := ErrorEnvelope(e)
	if !s.legacyDetected || s.state != StateAwaitingHandshake {
		return s.send(env, deadline)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal error envelope")
	}
	if err := wire.WriteLegacy(s.conn, payload, deadline); err != nil {
		return err
	}
	s.lastSent = s.opts.now()
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.conn.Close()
}

// State returns the handshake state.
func (s *Session) State() State { return s.state }

// HandshakeCompleted reports whether the handshake succeeded.
func (s *Session) HandshakeCompleted() bool { return s.state == StateHandshakeComplete }

// LegacyDetected reports whether the peer was found to speak the unframed format.
func (s *Session) LegacyDetected() bool { return s.legacyDetected }

// LastReceived returns when the last message arrived.
func (s *Session) LastReceived() time.Time { return s.lastReceived }

// LastSent returns when the last message was written.
func (s *Session) LastSent() time.Time { return s.lastSent }

// Conn returns the underlying connection.
func (s *Session) Conn() net.Conn { return s.conn }
