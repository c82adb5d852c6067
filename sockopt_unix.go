//go:build unix

package bridge

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tuneSocket disables Nagle's algorithm and sets both socket buffers to
// size. It returns the buffer sizes the kernel actually applied, which on
// Linux are double the requested value.
func tuneSocket(conn *net.TCPConn, size int) (rcv, snd int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, errors.Wrap(err, "raw conn")
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		s := int(fd)
		if sockErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); sockErr != nil {
			sockErr = errors.Wrap(sockErr, "TCP_NODELAY")
			return
		}
		if sockErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, size); sockErr != nil {
			sockErr = errors.Wrap(sockErr, "SO_RCVBUF")
			return
		}
		if sockErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, size); sockErr != nil {
			sockErr = errors.Wrap(sockErr, "SO_SNDBUF")
			return
		}
		rcv, _ = unix.GetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF)
		snd, _ = unix.GetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if ctrlErr != nil {
		return 0, 0, errors.Wrap(ctrlErr, "control")
	}
	return rcv, snd, sockErr
}
