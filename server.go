package bridge

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/bridge/protocol"
	"github.com/Zereker/bridge/telemetry"
	"github.com/Zereker/bridge/wire"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// Default server configuration values.
const (
	// DefaultPollInterval bounds how long the accept loop blocks, and so the
	// latency of noticing a stop signal.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultSocketBuffer is the send and receive buffer size of accepted sockets.
	DefaultSocketBuffer = 64 * 1024
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called for each new connection on its own goroutine.
	// The implementation owns conn and must close it before returning.
	// ctx is canceled when the server stops.
	Handle(ctx context.Context, conn *net.TCPConn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *net.TCPConn)

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn *net.TCPConn) {
	f(ctx, conn)
}

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	metrics         *telemetry.Metrics
	shutdownTimeout time.Duration
	pollInterval    time.Duration
	maxConns        int
	socketBuffer    int

	mu          sync.Mutex
	closed      bool
	closeOnce   sync.Once
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server stops accepting and waits up to
// this duration for running handlers to finish. Handlers see the same
// canceled context and exit between messages.
// Default is 0 (return without waiting).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMetricsOption sets the collectors for accept-side metrics.
func ServerMetricsOption(m *telemetry.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// ServerPollIntervalOption sets how long each accept attempt may block.
func ServerPollIntervalOption(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pollInterval = interval
	}
}

// ServerMaxConnectionsOption caps concurrently served connections.
// Connections above the cap are told so and closed. Zero means unlimited.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = n
	}
}

// ServerSocketBufferOption sets SO_RCVBUF and SO_SNDBUF of accepted sockets.
func ServerSocketBufferOption(size int) ServerOption {
	return func(s *Server) {
		s.socketBuffer = size
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:     listener,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		socketBuffer: DefaultSocketBuffer,
		shutdownNow:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.socketBuffer <= 0 {
		s.socketBuffer = DefaultSocketBuffer
	}

	return s, nil
}

// Serve accepts connections and hands each to handler on its own goroutine.
// The accept loop wakes up every poll interval to check for shutdown, so it
// stops within one interval of ctx being canceled or Close being called.
// After stopping it closes the listener and, if ServerShutdownTimeoutOption
// is set, waits up to that long for handlers to return. Close bypasses the
// remaining wait.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr(),
		"poll_interval", s.pollInterval, "max_connections", s.maxConns)

	group := new(errgroup.Group)
	if s.maxConns > 0 {
		group.SetLimit(s.maxConns)
	}

	err := s.acceptLoop(ctx, group, handler)
	s.closeListener()
	s.drain(group)

	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, group *errgroup.Group, handler Handler) error {
	for {
		if err := s.stopped(ctx); err != nil {
			return err
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.pollInterval))
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if stopErr := s.stopped(ctx); stopErr != nil {
				return stopErr
			}

			// Check if it's the poll deadline
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		s.tune(conn)

		if !group.TryGo(func() error {
			handler.Handle(ctx, conn)
			return nil
		}) {
			s.refuse(conn)
		}
	}
}

// stopped returns the reason to leave the accept loop, if any.
func (s *Server) stopped(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrServerClosed
	}
	return ctx.Err()
}

func (s *Server) tune(conn *net.TCPConn) {
	rcv, snd, err := tuneSocket(conn, s.socketBuffer)
	if err != nil {
		s.logger.Warn("socket tuning failed", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}
	s.logger.Debug("socket tuned", "remote_addr", conn.RemoteAddr(), "rcvbuf", rcv, "sndbuf", snd)
}

// refuse closes a connection above the connection cap after telling the
// peer why.
func (s *Server) refuse(conn *net.TCPConn) {
	s.metrics.ConnectionRejected("max_connections")
	s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr(), "max_connections", s.maxConns)

	env := protocol.ErrorEnvelope(protocol.NewError(protocol.CodeInternal,
		"server is at its connection limit (%d)", s.maxConns))
	_ = wire.EncodeJSON(conn, env, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Server) drain(group *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	if s.shutdownTimeout <= 0 {
		return
	}

	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Debug("all connections drained")
	case <-timer.C:
		s.logger.Warn("shutdown timeout elapsed with connections still open")
	case <-s.shutdownNow:
		// Close() was called, skip remaining timeout
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		_ = s.listener.Close()
	})
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is in progress, Close() bypasses the remaining wait.
// Running handlers are not interrupted; each owns its own teardown.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdownNow)

	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
	})
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
