package wire

import (
	"bytes"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// LegacyMaxSize bounds how much an unframed peer may send before its
	// first message parses.
	LegacyMaxSize = 512 * 1024

	probeChunkSize = 256
)

// ErrLegacyTooLarge is returned when an unframed payload outgrows LegacyMaxSize.
var ErrLegacyTooLarge = errors.New("legacy payload exceeds size guard")

// probe reads small chunks from an unframed peer into arena until the
// accumulated bytes hold one complete JSON document.
func probe(conn net.Conn, arena *Arena, deadline time.Time) ([]byte, error) {
	var chunk [probeChunkSize]byte
	fresh := arena.Bytes()
	for {
		if mayComplete(arena.Bytes(), fresh) {
			if doc, ok := firstDocument(arena.Bytes()); ok {
				return doc, nil
			}
		}
		if arena.Len() > LegacyMaxSize {
			return nil, errors.Wrapf(ErrLegacyTooLarge, "%d bytes without a complete document", arena.Len())
		}

		n, err := readSome(conn, chunk[:], deadline)
		if err != nil {
			return nil, err
		}
		arena.Append(chunk[:n])
		fresh = chunk[:n]
	}
}

// mayComplete reports whether the bytes just read could have finished the
// document. An object or array can only end with its closing bracket.
func mayComplete(all, fresh []byte) bool {
	trimmed := bytes.TrimLeft(all, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{':
		return bytes.IndexByte(fresh, '}') >= 0
	case '[':
		return bytes.IndexByte(fresh, ']') >= 0
	}
	return true
}

// firstDocument parses the leading JSON value of data.
func firstDocument(data []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}

	// A bare number such as "12" may still be growing.
	if len(raw) > 0 && raw[0] != '{' && raw[0] != '[' && raw[0] != '"' {
		if int(dec.InputOffset()) == len(data) {
			return nil, false
		}
	}
	return raw, true
}

// scanLine reads from an unframed peer into lines until a full record is
// buffered.
func scanLine(conn net.Conn, lines *LineBuffer, deadline time.Time) ([]byte, error) {
	var chunk [probeChunkSize]byte
	for {
		if line, ok := lines.Next(); ok {
			return line, nil
		}
		if lines.Len() > LegacyMaxSize {
			return nil, errors.Wrapf(ErrLegacyTooLarge, "%d bytes without a line terminator", lines.Len())
		}

		n, err := readSome(conn, chunk[:], deadline)
		if err != nil {
			return nil, err
		}
		lines.Append(chunk[:n])
	}
}

// WriteLegacy writes payload unframed, terminated by a newline, the format
// pre-framing peers understand.
func WriteLegacy(conn net.Conn, payload []byte, deadline time.Time) error {
	data := make([]byte, 0, len(payload)+1)
	data = append(data, payload...)
	data = append(data, '\n')

	if _, err := WriteAll(conn, data, deadline); err != nil {
		return errors.Wrap(err, "write legacy payload")
	}
	return nil
}
