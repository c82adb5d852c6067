package wire

// DefaultArenaSize is the initial capacity of a receive arena.
const DefaultArenaSize = 64 * 1024

// Arena is a growable byte accumulator with explicit length and capacity.
// Growth is max(50% of the current capacity, the requested increment).
type Arena struct {
	buf     []byte
	initial int
}

// NewArena returns an arena with the given initial capacity.
func NewArena(initial int) *Arena {
	if initial <= 0 {
		initial = DefaultArenaSize
	}
	return &Arena{buf: make([]byte, 0, initial), initial: initial}
}

// Grow makes room for at least n more bytes.
func (a *Arena) Grow(n int) {
	if cap(a.buf)-len(a.buf) >= n {
		return
	}

	growth := cap(a.buf) / 2
	if need := n - (cap(a.buf) - len(a.buf)); need > growth {
		growth = need
	}

	buf := make([]byte, len(a.buf), cap(a.buf)+growth)
	copy(buf, a.buf)
	a.buf = buf
}

// Append copies p to the end of the arena.
func (a *Arena) Append(p []byte) {
	a.Grow(len(p))
	a.buf = append(a.buf, p...)
}

// Bytes returns the accumulated bytes. The slice is valid until the next
// mutation.
func (a *Arena) Bytes() []byte { return a.buf }

// Len returns the number of accumulated bytes.
func (a *Arena) Len() int { return len(a.buf) }

// Cap returns the current capacity.
func (a *Arena) Cap() int { return cap(a.buf) }

// Reset empties the arena. Capacity grown past the initial size is released.
func (a *Arena) Reset() {
	if cap(a.buf) > a.initial {
		a.buf = make([]byte, 0, a.initial)
		return
	}
	a.buf = a.buf[:0]
}
