// Package wire implements the byte-level transport of the bridge: 4-byte
// length-prefixed JSON frames, deadline-bounded read and write primitives,
// and the unframed readers used to recognise peers that predate framing.
//
// The length header is an unsigned 32-bit little-endian integer followed by
// exactly that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameSize is the largest payload a frame may carry (4 MiB).
	MaxFrameSize = 4 * 1024 * 1024
)

// ByteOrder is the fixed byte order of the length header.
var ByteOrder = binary.LittleEndian

// Frame errors.
var (
	// ErrFrameTooLarge is returned for payloads above the frame limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmptyFrame is returned for a header announcing zero bytes.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrInvalidJSON is returned when a complete payload is not valid JSON.
	// The frame boundary is intact, so the connection remains usable.
	ErrInvalidJSON = errors.New("payload is not valid JSON")
)

// Mode identifies how a payload was delimited on the wire.
type Mode int

const (
	// Framed is the length-prefixed format.
	Framed Mode = iota
	// LegacyProbe is raw JSON detected by parsing accumulated bytes.
	LegacyProbe
	// LegacyLineDelimited is newline-terminated JSON.
	LegacyLineDelimited
)

func (m Mode) String() string {
	switch m {
	case Framed:
		return "framed"
	case LegacyProbe:
		return "legacy-probe"
	case LegacyLineDelimited:
		return "legacy-line"
	default:
		return "unknown"
	}
}

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return dst, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return dst, errors.Wrapf(ErrFrameTooLarge, "%d bytes, limit %d", len(payload), MaxFrameSize)
	}

	dst = ByteOrder.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes payload as a single frame. Nothing is written when the
// payload is empty or oversized.
func WriteFrame(conn net.Conn, payload []byte, deadline time.Time) error {
	data, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}

	if _, err := WriteAll(conn, data, deadline); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// EncodeJSON marshals v and writes it as a single frame.
func EncodeJSON(conn net.Conn, v any, deadline time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame payload")
	}
	return WriteFrame(conn, payload, deadline)
}

// Payload is one decoded message and the format it arrived in.
type Payload struct {
	Data []byte
	Mode Mode
}

// Decoder reads frames from a connection. When legacy fallback is allowed
// and a header announces more than MaxFrameSize, the header bytes are
// reinterpreted as the start of an unframed payload and handed to the
// configured legacy reader.
type Decoder struct {
	conn     net.Conn
	fallback Mode
	limit    int
	body     time.Duration
	arena    *Arena
	lines    LineBuffer
	header   [HeaderSize]byte
}

// NewDecoder returns a decoder for conn. fallback selects the legacy reader
// (LegacyProbe or LegacyLineDelimited); Framed disables fallback entirely.
func NewDecoder(conn net.Conn, fallback Mode) *Decoder {
	return &Decoder{
		conn:     conn,
		fallback: fallback,
		limit:    MaxFrameSize,
	}
}

// SetLimit lowers the largest accepted payload. Values outside
// (0, MaxFrameSize] restore the default.
func (d *Decoder) SetLimit(limit int) {
	if limit <= 0 || limit > MaxFrameSize {
		limit = MaxFrameSize
	}
	d.limit = limit
}

// SetBodyTimeout gives the payload of a frame at least d to arrive once its
// header has been read, so a short polling deadline does not cut off a
// frame in transit. Zero keeps the caller's deadline for the whole frame.
func (d *Decoder) SetBodyTimeout(timeout time.Duration) {
	d.body = timeout
}

// Fallback returns the configured legacy reader.
func (d *Decoder) Fallback() Mode { return d.fallback }

// Decode reads one message before deadline. A payload that fails strict
// JSON validation is returned together with ErrInvalidJSON. When the
// legacy reader was entered, the returned Payload carries its Mode even if
// an error is returned, so the caller can answer in the peer's format.
func (d *Decoder) Decode(deadline time.Time, allowLegacy bool) (Payload, error) {
	legacy := allowLegacy && d.fallback != Framed

	var acc *Arena
	if legacy {
		if d.arena == nil {
			d.arena = NewArena(DefaultArenaSize)
		}
		d.arena.Reset()
		acc = d.arena
	}

	n, err := ReadExact(d.conn, d.header[:], deadline, acc)
	if err != nil && n > 0 && d.body > 0 && OutcomeOf(err) == OutcomeTimeout {
		// A frame has started: the rest of it gets the body timeout.
		deadline = d.extend(deadline)
		var m int
		m, err = ReadExact(d.conn, d.header[n:], deadline, acc)
		n += m
	}
	if err != nil {
		var opErr *OpError
		if n == 0 && errors.As(err, &opErr) && opErr.Outcome == OutcomeTimeout {
			opErr.Idle = true
		}
		return Payload{}, errors.Wrap(err, "read frame header")
	}

	length := ByteOrder.Uint32(d.header[:])
	if length > MaxFrameSize {
		if legacy {
			return d.decodeLegacy(deadline)
		}
		return Payload{}, errors.Wrapf(ErrFrameTooLarge, "header announces %d bytes", length)
	}
	if length == 0 {
		return Payload{}, ErrEmptyFrame
	}
	if int(length) > d.limit {
		return Payload{}, errors.Wrapf(ErrFrameTooLarge, "header announces %d bytes, limit %d", length, d.limit)
	}

	deadline = d.extend(deadline)

	data := make([]byte, length)
	if _, err := ReadExact(d.conn, data, deadline, nil); err != nil {
		return Payload{}, errors.Wrap(err, "read frame payload")
	}

	if !json.Valid(data) {
		return Payload{Data: data, Mode: Framed}, ErrInvalidJSON
	}
	return Payload{Data: data, Mode: Framed}, nil
}

// extend moves deadline out to the body timeout from now, never earlier.
func (d *Decoder) extend(deadline time.Time) time.Time {
	if d.body <= 0 {
		return deadline
	}
	if extended := time.Now().Add(d.body); extended.After(deadline) {
		return extended
	}
	return deadline
}

func (d *Decoder) decodeLegacy(deadline time.Time) (Payload, error) {
	switch d.fallback {
	case LegacyLineDelimited:
		d.lines.Reset()
		d.lines.Append(d.arena.Bytes())
		line, err := scanLine(d.conn, &d.lines, deadline)
		if err != nil {
			return Payload{Mode: LegacyLineDelimited}, errors.Wrap(err, "read legacy line")
		}
		if !json.Valid(line) {
			return Payload{Data: line, Mode: LegacyLineDelimited}, ErrInvalidJSON
		}
		return Payload{Data: line, Mode: LegacyLineDelimited}, nil

	default:
		doc, err := probe(d.conn, d.arena, deadline)
		if err != nil {
			return Payload{Mode: LegacyProbe}, errors.Wrap(err, "read legacy payload")
		}
		data := make([]byte, len(doc))
		copy(data, doc)
		return Payload{Data: data, Mode: LegacyProbe}, nil
	}
}
