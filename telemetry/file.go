package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// MaxFileSizeMB is the size at which the sink file is rotated.
	MaxFileSizeMB = 20
	// MaxBackups is the number of rotated generations kept.
	MaxBackups = 3

	defaultBuffer = 1024
)

type record struct {
	Kind string `json:"kind"`
	Event
	Metric string         `json:"metric,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// FileSink appends JSON lines from a background goroutine. When the buffer
// is full records are dropped and counted.
type FileSink struct {
	w       io.Writer
	closer  io.Closer
	records chan record
	done    chan struct{}
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewFileSink writes to path, rotated at MaxFileSizeMB keeping MaxBackups files.
func NewFileSink(path string) *FileSink {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxFileSizeMB,
		MaxBackups: MaxBackups,
	}
	return newSink(lj, lj, defaultBuffer)
}

// NewWriterSink writes to w with a buffer of size records.
func NewWriterSink(w io.Writer, size int) *FileSink {
	var c io.Closer
	if wc, ok := w.(io.Closer); ok {
		c = wc
	}
	return newSink(w, c, size)
}

func newSink(w io.Writer, c io.Closer, size int) *FileSink {
	if size <= 0 {
		size = defaultBuffer
	}
	s := &FileSink{
		w:       w,
		closer:  c,
		records: make(chan record, size),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.loop()
	return s
}

// Event queues e for the writer goroutine. It never blocks; the record is
// dropped and counted when the buffer is full or the sink is closed.
func (s *FileSink) Event(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.push(record{Kind: "event", Event: e})
}

// Metric queues a named metric record, with the same drop rules as Event.
func (s *FileSink) Metric(name string, fields map[string]any) {
	s.push(record{Kind: "metric", Event: Event{Timestamp: s.now()}, Metric: name, Values: fields})
}

func (s *FileSink) push(r record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.records <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *FileSink) loop() {
	defer close(s.done)
	enc := json.NewEncoder(s.w)
	for r := range s.records {
		if err := enc.Encode(r); err != nil {
			s.failed.Add(1)
		}
	}
}

// Dropped returns the number of records discarded because the buffer was
// full or the sink was closed.
func (s *FileSink) Dropped() uint64 { return s.dropped.Load() }

// Failed returns the number of records the writer rejected.
func (s *FileSink) Failed() uint64 { return s.failed.Load() }

// Close flushes buffered records and closes the file. It is safe to call
// more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()

	<-s.done
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
