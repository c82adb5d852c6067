package wire

import "bytes"

// LineBuffer accumulates newline-terminated records, the oldest wire format.
// Bytes after the last terminator are kept for the next Append.
type LineBuffer struct {
	buf []byte
}

// Append adds raw bytes to the buffer.
func (b *LineBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// HasComplete reports whether at least one terminated record is buffered.
func (b *LineBuffer) HasComplete() bool {
	return bytes.IndexByte(b.buf, '\n') >= 0
}

// Next removes and returns the first complete record without its
// terminator. A trailing carriage return is dropped as well.
func (b *LineBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return nil, false
	}

	line := make([]byte, i)
	copy(line, b.buf[:i])
	b.buf = b.buf[:copy(b.buf, b.buf[i+1:])]

	return bytes.TrimSuffix(line, []byte{'\r'}), true
}

// Extract removes every complete record, skipping blank lines, and keeps
// the trailing fragment.
func (b *LineBuffer) Extract() [][]byte {
	var records [][]byte
	for {
		line, ok := b.Next()
		if !ok {
			return records
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, line)
	}
}

// Len returns the number of buffered bytes.
func (b *LineBuffer) Len() int { return len(b.buf) }

// Reset drops everything buffered.
func (b *LineBuffer) Reset() { b.buf = b.buf[:0] }
