//go:build !unix

package bridge

import "net"

// tuneSocket disables Nagle's algorithm and sets both socket buffers to
// size. The applied sizes cannot be read back on this platform, so the
// requested size is reported.
func tuneSocket(conn *net.TCPConn, size int) (rcv, snd int, err error) {
	if err = conn.SetNoDelay(true); err != nil {
		return 0, 0, err
	}
	if err = conn.SetReadBuffer(size); err != nil {
		return 0, 0, err
	}
	if err = conn.SetWriteBuffer(size); err != nil {
		return 0, 0, err
	}
	return size, size, nil
}
