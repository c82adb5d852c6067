package bridge

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// fieldLogger prepends fixed key-value pairs to every record, so any
// Logger implementation gets per-connection context.
type fieldLogger struct {
	base   Logger
	fields []any
}

func withFields(base Logger, kv ...any) Logger {
	if fl, ok := base.(*fieldLogger); ok {
		return &fieldLogger{base: fl.base, fields: append(append([]any{}, fl.fields...), kv...)}
	}
	return &fieldLogger{base: base, fields: kv}
}

func (l *fieldLogger) args(args []any) []any {
	out := make([]any, 0, len(l.fields)+len(args))
	out = append(out, l.fields...)
	return append(out, args...)
}

func (l *fieldLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.args(args)...) }
func (l *fieldLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.args(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.args(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.base.Error(msg, l.args(args)...) }
