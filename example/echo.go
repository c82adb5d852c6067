package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/bridge"
	"github.com/Zereker/bridge/protocol"
)

// executor implements two commands: echo returns its params, upper
// upper-cases the "text" param.
type executor struct{}

func (executor) Execute(ctx context.Context, req bridge.Request) (any, error) {
	switch req.Command {
	case "echo":
		return req.Params, nil
	case "upper":
		var params struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewError(protocol.CodeMalformedFrame, "upper expects {\"text\": string}")
		}
		return map[string]string{"text": strings.ToUpper(params.Text)}, nil
	default:
		return nil, protocol.NewError(protocol.CodeUnsupportedMessage, "unknown command %q", req.Command)
	}
}

// Server keeps track of live connections so they can be listed or closed.
type Server struct {
	connID int64

	sync.RWMutex
	connections map[int64]*bridge.Conn
}

func newHandler() *Server {
	return &Server{connections: make(map[int64]*bridge.Conn)}
}

func (s *Server) Handle(ctx context.Context, conn *net.TCPConn) {
	connID := atomic.AddInt64(&s.connID, 1)

	errorOption := bridge.OnErrorOption(func(err error) bridge.ErrorAction {
		slog.Warn("rejected message", "connID", connID, "error", err)
		return bridge.Continue
	})

	newConn, err := bridge.NewConn(conn,
		bridge.ExecutorOption(executor{}),
		bridge.HeartbeatOption(15*time.Second),
		bridge.IdleTimeoutOption(5*time.Minute),
		errorOption,
	)
	if err != nil {
		slog.Error("failed to create conn", "error", err)
		_ = conn.Close()
		return
	}

	s.addConn(connID, newConn)
	defer s.deleteConn(connID)

	if err := newConn.Run(ctx); err != nil {
		slog.Info("conn finished", "connID", connID, "error", err)
	}
}

func (s *Server) addConn(connID int64, conn *bridge.Conn) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", connID, "addr", conn.Addr())
	s.connections[connID] = conn
}

func (s *Server) deleteConn(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, connID)
}

func (s *Server) count() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.connections)
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:55557")
	if err != nil {
		panic(err)
	}

	server, err := bridge.New(addr, bridge.ServerShutdownTimeoutOption(5*time.Second))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := newHandler()
	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, handler); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
	slog.Info("server stopped", "open_connections", handler.count())
}
