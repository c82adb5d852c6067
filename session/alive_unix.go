//go:build unix

package session

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// connected peeks at the socket without consuming data. A zero-byte peek
// means the peer has shut down its side.
func connected(conn net.Conn) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	// Control runs without the poller, so the owner's read deadline is
	// neither consulted nor changed.
	alive := true
	var buf [1]byte
	err = raw.Control(func(fd uintptr) {
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR:
		case rerr != nil:
			alive = false
		case n == 0:
			alive = false
		}
	})
	if err != nil {
		return false
	}

	if soErr, err := soError(raw); err == nil && soErr != 0 {
		return false
	}
	return alive
}

func soError(raw syscall.RawConn) (int, error) {
	var soErr int
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		soErr, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	})
	if err != nil {
		return 0, err
	}
	return soErr, sockErr
}
