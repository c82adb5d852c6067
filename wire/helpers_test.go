package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-accepted:
		require.NotNil(t, server)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept")
	}

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func soon() time.Time { return time.Now().Add(2 * time.Second) }

// countingConn records how many bytes were handed to Write.
type countingConn struct {
	net.Conn
	written int
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.written += len(p)
	return c.Conn.Write(p)
}

// expiredSoon is a deadline short enough for a test to wait out.
func expiredSoon() time.Time { return time.Now().Add(100 * time.Millisecond) }
