package protocol

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Zereker/bridge/wire"
)

// Code is a stable error code sent to the peer.
type Code string

// The closed set of protocol error codes.
const (
	CodeVersionMismatch    Code = "PROTOCOL_VERSION_MISMATCH"
	CodeMalformedFrame     Code = "MALFORMED_FRAME"
	CodeReadTimeout        Code = "READ_TIMEOUT"
	CodeWriteError         Code = "WRITE_ERROR"
	CodeUnsupportedMessage Code = "UNSUPPORTED_MESSAGE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Valid reports whether c belongs to the closed set.
func (c Code) Valid() bool {
	switch c {
	case CodeVersionMismatch, CodeMalformedFrame, CodeReadTimeout,
		CodeWriteError, CodeUnsupportedMessage, CodeInternal:
		return true
	}
	return false
}

// Session errors.
var (
	// ErrLegacyPeer is returned by Accept when the peer speaks the unframed
	// pre-handshake format.
	ErrLegacyPeer = errors.New("legacy peer cannot complete handshake")
	// ErrVersionMismatch is returned when the peer's protocol version is not Version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrInvalidHandshake is returned when the first message is not a
	// well-formed handshake.
	ErrInvalidHandshake = errors.New("invalid handshake message")
	// ErrHandshakeRejected is returned to a client whose handshake was refused.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrHandshakeState is returned when a handshake is attempted twice.
	ErrHandshakeState = errors.New("handshake already attempted")
	// ErrNotObject is returned for payloads that are valid JSON but not objects.
	ErrNotObject = errors.New("message is not a JSON object")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Error is a protocol-level failure that can be reported to the peer.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// NewError returns an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches details and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Body converts e into its wire form.
func (e *Error) Body() *ErrorBody {
	return &ErrorBody{Code: e.Code, Message: e.Message, Details: e.Details}
}

// CodeOf maps any error onto the closed set of codes. Errors without a
// mapping become CodeInternal.
func CodeOf(err error) Code {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe) && pe.Code.Valid():
		return pe.Code
	case errors.Is(err, ErrVersionMismatch),
		errors.Is(err, ErrInvalidHandshake),
		errors.Is(err, ErrLegacyPeer):
		return CodeVersionMismatch
	case errors.Is(err, wire.ErrFrameTooLarge),
		errors.Is(err, wire.ErrEmptyFrame),
		errors.Is(err, wire.ErrInvalidJSON),
		errors.Is(err, wire.ErrLegacyTooLarge),
		errors.Is(err, ErrNotObject):
		return CodeMalformedFrame
	case wire.IsWriteError(err):
		return CodeWriteError
	case errors.Is(err, wire.ErrTimeout):
		return CodeReadTimeout
	}
	return CodeInternal
}

// AsError converts err into an *Error suitable for the peer. Messages of
// unmapped errors are replaced so raw transport detail is not leaked.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) && pe.Code.Valid() {
		return pe
	}

	code := CodeOf(err)
	if code == CodeInternal {
		return &Error{Code: code, Message: "internal error"}
	}
	return &Error{Code: code, Message: err.Error()}
}
