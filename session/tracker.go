// Package session keeps the operational bookkeeping of a connection:
// identity, timing, message counts and the command currently executing.
// A Tracker is owned by the goroutine serving its connection.
package session

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrCommandPending is returned by BeginCommand while another command runs.
var ErrCommandPending = errors.New("command already in flight")

// Command is the in-flight command of a connection.
type Command struct {
	Name    string
	Started time.Time
}

// Tracker records the lifetime of one connection.
type Tracker struct {
	name string
	conn net.Conn
	now  func() time.Time

	connectTime  time.Time
	lastActivity time.Time
	messageCount uint64
	pending      *Command
	closed       bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New starts tracking conn under name.
func New(name string, conn net.Conn, opts ...Option) *Tracker {
	t := &Tracker{name: name, conn: conn, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.connectTime = t.now()
	t.lastActivity = t.connectTime
	return t
}

// Name returns the connection label.
func (t *Tracker) Name() string { return t.name }

// ConnectTime returns when tracking started.
func (t *Tracker) ConnectTime() time.Time { return t.connectTime }

// LastActivity returns when the last inbound message arrived.
func (t *Tracker) LastActivity() time.Time { return t.lastActivity }

// MessageCount returns the number of inbound messages.
func (t *Tracker) MessageCount() uint64 { return t.messageCount }

// Age returns the time since connect.
func (t *Tracker) Age() time.Duration { return t.now().Sub(t.connectTime) }

// Touch records an inbound message.
func (t *Tracker) Touch() {
	t.lastActivity = t.now()
	t.messageCount++
}

// BeginCommand marks name as executing.
func (t *Tracker) BeginCommand(name string) error {
	if t.pending != nil {
		return ErrCommandPending
	}
	t.pending = &Command{Name: name, Started: t.now()}
	return nil
}

// EndCommand clears the in-flight command and returns its execution time.
func (t *Tracker) EndCommand() (Command, time.Duration, bool) {
	if t.pending == nil {
		return Command{}, 0, false
	}
	cmd := *t.pending
	t.pending = nil
	return cmd, t.now().Sub(cmd.Started), true
}

// Pending returns the in-flight command, if any.
func (t *Tracker) Pending() (Command, bool) {
	if t.pending == nil {
		return Command{}, false
	}
	return *t.pending, true
}

// CommandStuck reports whether the in-flight command has run longer than
// timeout. A timeout <= 0 disables the check.
func (t *Tracker) CommandStuck(timeout time.Duration) bool {
	if timeout <= 0 || t.pending == nil {
		return false
	}
	return t.now().Sub(t.pending.Started) > timeout
}

// HasTimedOut reports whether no message arrived within timeout.
// A timeout <= 0 disables timeout checking.
func (t *Tracker) HasTimedOut(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return t.now().Sub(t.lastActivity) > timeout
}

// MarkClosed records that the connection has been torn down.
func (t *Tracker) MarkClosed() { t.closed = true }

// IsAlive reports whether the underlying socket is still connected. The
// tracker itself may outlive the transport. It never blocks, consumes
// data, or alters the connection's deadlines.
func (t *Tracker) IsAlive() bool {
	if t.closed || t.conn == nil {
		return false
	}
	return connected(t.conn)
}
