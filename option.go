package bridge

import (
	"time"

	"github.com/Zereker/bridge/telemetry"
	"github.com/Zereker/bridge/wire"
)

// ErrorAction defines the action to take when a message is rejected.
type ErrorAction int

const (
	// Disconnect closes the connection after the rejection is reported.
	Disconnect ErrorAction = iota
	// Continue keeps the connection open and reads the next message.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	executor Executor
	logger   Logger
	sink     telemetry.Sink
	metrics  *telemetry.Metrics

	// onError is called after a recoverable rejection (malformed payload)
	// has been reported to the peer.
	onError func(error) ErrorAction

	readTimeout      time.Duration // time allowed for a frame once it started arriving
	writeTimeout     time.Duration // deadline for responses
	handshakeTimeout time.Duration // deadline for the first message
	pollInterval     time.Duration // how often the handler wakes up while the peer is quiet
	heartbeat        time.Duration // ping after this much send-idleness, 0 disables
	idleTimeout      time.Duration // close after this much receive-idleness, 0 disables
	commandTimeout   time.Duration // context deadline for Execute, 0 disables

	legacy        wire.Mode
	legacySet     bool
	maxReadLength int
	messageRate   float64
	serverVersion string
}

// Option is a function that configures connection options.
type Option func(*options)

// ExecutorOption sets the command executor.
// The executor is required and must be provided before creating a connection.
func ExecutorOption(executor Executor) Option {
	return func(o *options) {
		o.executor = executor
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// SinkOption sets the observability sink. Defaults to telemetry.NopSink.
func SinkOption(sink telemetry.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// MetricsOption sets the Prometheus collectors updated by the connection.
func MetricsOption(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// OnErrorOption returns an Option that sets the rejection callback.
// It is invoked after a malformed message has been answered with an error
// envelope. Return Disconnect to close the connection, or Continue to keep
// reading. The default is Continue.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// ReadTimeoutOption bounds how long a frame may take to arrive once its
// first bytes have been read.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// WriteTimeoutOption sets the deadline for every response.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// HandshakeTimeoutOption sets how long the peer has to send its handshake.
func HandshakeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// PollIntervalOption sets how often an idle handler wakes up to check the
// stop signal, heartbeats and the idle timeout.
func PollIntervalOption(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// A ping is sent whenever nothing was sent to the peer for this long.
// Zero disables server-initiated pings.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// IdleTimeoutOption closes connections that sent nothing for timeout,
// after reporting READ_TIMEOUT. Zero disables the check.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// CommandTimeoutOption sets the deadline of the context passed to the
// executor. Zero disables it.
func CommandTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.commandTimeout = timeout
	}
}

// LegacyModeOption selects how unframed first messages are recognised.
// wire.Framed disables legacy detection.
func LegacyModeOption(mode wire.Mode) Option {
	return func(o *options) {
		o.legacy = mode
		o.legacySet = true
	}
}

// MessageMaxSize returns an Option that sets the maximum accepted payload.
// Values above wire.MaxFrameSize are capped.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// RateLimitOption throttles dispatch to perSecond messages per connection.
// Zero disables throttling.
func RateLimitOption(perSecond float64) Option {
	return func(o *options) {
		o.messageRate = perSecond
	}
}

// ServerVersionOption sets the version reported in handshake/ack.
func ServerVersionOption(version string) Option {
	return func(o *options) {
		o.serverVersion = version
	}
}
