// Package telemetry carries structured events and metrics out of the
// protocol path. Sinks must never block their callers for long.
package telemetry

import (
	"time"
)

// Level is the severity of an Event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one structured log record.
type Event struct {
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	RequestID string         `json:"requestId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink accepts events and named metrics.
type Sink interface {
	Event(e Event)
	Metric(name string, fields map[string]any)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Event(Event)                   {}
func (NopSink) Metric(string, map[string]any) {}
