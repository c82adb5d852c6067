package bridge

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// logRecord is one call captured by mockLogger.
type logRecord struct {
	level string
	msg   string
	args  []any
}

// mockLogger records every call. It is safe for use from the
// connection goroutine while the test inspects it.
type mockLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *mockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *mockLogger) last() logRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return logRecord{}
	}
	return l.records[len(l.records)-1]
}

func (l *mockLogger) find(msg string) (logRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

// argValue returns the value paired with key in a key/value list.
func argValue(args []any, key string) (any, bool) {
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1], true
		}
	}
	return nil, false
}

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
	var _ Logger = &fieldLogger{}
}

func TestDefaultLogger(t *testing.T) {
	if defaultLogger() != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

func TestMockLogger_Levels(t *testing.T) {
	mock := &mockLogger{}
	var logger Logger = mock

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e", "key", "value")

	if len(mock.records) != 4 {
		t.Fatalf("recorded %d calls, want 4", len(mock.records))
	}
	for i, level := range []string{"debug", "info", "warn", "error"} {
		if mock.records[i].level != level {
			t.Errorf("record %d level = %s, want %s", i, mock.records[i].level, level)
		}
	}
	if v, _ := argValue(mock.last().args, "key"); v != "value" {
		t.Errorf("args = %v", mock.last().args)
	}
}

func TestWithFields(t *testing.T) {
	mock := &mockLogger{}
	logger := withFields(mock, "conn_id", "abc")

	logger.Info("handshake completed", "session_id", "s1")

	want := []any{"conn_id", "abc", "session_id", "s1"}
	got := mock.last().args
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWithFields_Nested(t *testing.T) {
	mock := &mockLogger{}
	outer := withFields(withFields(mock, "conn_id", "abc"), "peer", "127.0.0.1:1")

	fl, ok := outer.(*fieldLogger)
	if !ok {
		t.Fatalf("withFields returned %T", outer)
	}
	if fl.base != Logger(mock) {
		t.Error("nested fieldLogger not flattened")
	}

	outer.Error("boom")
	if args := mock.last().args; len(args) != 4 || args[0] != "conn_id" || args[2] != "peer" {
		t.Errorf("args = %v", args)
	}

	// the inner logger keeps its own fields
	inner := withFields(mock, "conn_id", "abc")
	_ = withFields(inner, "extra", 1)
	inner.Warn("still two")
	if args := mock.last().args; len(args) != 2 {
		t.Errorf("inner logger fields changed: %v", args)
	}
}

func TestConn_LogsCarryConnectionFields(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	mock := &mockLogger{}
	conn, done := runConn(t, context.Background(), serverConn, LoggerOption(mock))
	clientHandshake(t, clientConn)
	clientConn.Close()
	waitRun(t, done)

	rec, ok := mock.find("handshake complete")
	if !ok {
		t.Fatal("handshake not logged")
	}
	if id, _ := argValue(rec.args, "conn"); id != conn.ID() {
		t.Errorf("conn field = %v, want %s", id, conn.ID())
	}
	if sid, _ := argValue(rec.args, "session_id"); sid != "test-session" {
		t.Errorf("session_id field = %v", sid)
	}
}
