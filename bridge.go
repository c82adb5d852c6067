package bridge

import (
	"context"
	"net"
	"sync/atomic"
)

// Bridge is a Handler that serves every accepted connection with a Conn.
// Its options can be replaced while the server runs; a connection keeps
// the options it was accepted with for its whole lifetime.
type Bridge struct {
	opts   atomic.Pointer[[]Option]
	active atomic.Int64
}

// NewBridge returns a Bridge serving connections with opts.
// Returns an error if the options are invalid.
func NewBridge(opts ...Option) (*Bridge, error) {
	b := new(Bridge)
	if err := b.Reconfigure(opts...); err != nil {
		return nil, err
	}
	return b, nil
}

// Reconfigure replaces the options applied to connections accepted from
// now on. Invalid options are rejected and the previous ones kept.
func (b *Bridge) Reconfigure(opts ...Option) error {
	if _, err := resolve(opts); err != nil {
		return err
	}
	stored := append([]Option(nil), opts...)
	b.opts.Store(&stored)
	return nil
}

// Handle serves conn until the peer leaves or ctx is canceled.
func (b *Bridge) Handle(ctx context.Context, conn *net.TCPConn) {
	opts := *b.opts.Load()

	c, err := NewConn(conn, opts...)
	if err != nil {
		resolved, _ := resolve(opts)
		resolved.logger.Error("connection setup failed", "remote_addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	b.active.Add(1)
	defer b.active.Add(-1)

	_ = c.Run(ctx)
}

// Active returns the number of connections currently being served.
func (b *Bridge) Active() int64 {
	return b.active.Load()
}

func resolve(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	err := checkOptions(&opts)
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	return opts, err
}
