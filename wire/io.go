package wire

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Outcome classifies how a deadline-bounded I/O call ended.
type Outcome int

const (
	// OutcomeOK means the call transferred every requested byte.
	OutcomeOK Outcome = iota
	// OutcomeTimeout means the deadline elapsed first.
	OutcomeTimeout
	// OutcomeClosed means the peer performed an orderly close.
	OutcomeClosed
	// OutcomeError is any other transport failure.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeClosed:
		return "closed"
	default:
		return "error"
	}
}

// Sentinel errors matched by *OpError through errors.Is.
var (
	// ErrTimeout matches every operation that ran out of time.
	ErrTimeout = errors.New("i/o deadline exceeded")
	// ErrIdle matches a read that timed out before a single byte of the
	// next frame arrived. It also matches ErrTimeout.
	ErrIdle = errors.New("no frame pending")
	// ErrPeerClosed matches an orderly close by the remote side.
	ErrPeerClosed = errors.New("peer closed connection")
)

// OpError describes a failed read or write. N is the number of bytes moved
// before the failure.
type OpError struct {
	Op      string
	Outcome Outcome
	N       int
	Idle    bool
	Err     error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s after %d bytes", e.Op, e.Outcome, e.N)
	}
	return fmt.Sprintf("%s: %s after %d bytes: %v", e.Op, e.Outcome, e.N, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is lets callers test the outcome with the package sentinels.
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Outcome == OutcomeTimeout
	case ErrIdle:
		return e.Outcome == OutcomeTimeout && e.Idle
	case ErrPeerClosed:
		return e.Outcome == OutcomeClosed
	}
	return false
}

// OutcomeOf reports the outcome carried by err.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Outcome
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrPeerClosed):
		return OutcomeClosed
	}
	return OutcomeError
}

// IsWriteError reports whether err came from the write side of a connection.
func IsWriteError(err error) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Op == opWrite
}

const (
	opRead  = "read"
	opWrite = "write"
)

// expired stands in for a zero deadline: waits are never unbounded.
var expired = time.Unix(1, 0)

func effective(deadline time.Time) time.Time {
	if deadline.IsZero() {
		return expired
	}
	return deadline
}

// ReadExact fills buf from conn before deadline. Every byte read is also
// appended to acc when acc is non-nil, so a caller can reinterpret bytes it
// already consumed. A zero deadline is treated as already elapsed.
func ReadExact(conn net.Conn, buf []byte, deadline time.Time, acc *Arena) (int, error) {
	if err := conn.SetReadDeadline(effective(deadline)); err != nil {
		return 0, &OpError{Op: opRead, Outcome: OutcomeError, Err: err}
	}

	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if n > 0 {
			if acc != nil {
				acc.Append(buf[read : read+n])
			}
			read += n
		}
		if read == len(buf) {
			return read, nil
		}
		if err != nil {
			return read, classify(opRead, read, err)
		}
		if n == 0 {
			return read, &OpError{Op: opRead, Outcome: OutcomeClosed, N: read}
		}
	}
	return read, nil
}

// readSome performs a single read of at most len(buf) bytes before deadline.
func readSome(conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(effective(deadline)); err != nil {
		return 0, &OpError{Op: opRead, Outcome: OutcomeError, Err: err}
	}
	n, err := conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, classify(opRead, 0, err)
	}
	return 0, &OpError{Op: opRead, Outcome: OutcomeClosed}
}

// WriteAll writes every byte of data to conn before deadline. A zero
// deadline is treated as already elapsed.
func WriteAll(conn net.Conn, data []byte, deadline time.Time) (int, error) {
	if err := conn.SetWriteDeadline(effective(deadline)); err != nil {
		return 0, &OpError{Op: opWrite, Outcome: OutcomeError, Err: err}
	}

	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			return written, classify(opWrite, written, err)
		}
		if n == 0 {
			return written, &OpError{Op: opWrite, Outcome: OutcomeClosed, N: written}
		}
	}
	return written, nil
}

func classify(op string, n int, err error) *OpError {
	outcome := OutcomeError

	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		outcome = OutcomeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		outcome = OutcomeTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		outcome = OutcomeClosed
	}

	return &OpError{Op: op, Outcome: outcome, N: n, Err: err}
}
