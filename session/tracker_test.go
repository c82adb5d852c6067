package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.AcceptTCP()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestTracker_Activity(t *testing.T) {
	clock := newClock()
	tr := New("127.0.0.1:5000", nil, WithClock(clock.now))

	assert.Equal(t, "127.0.0.1:5000", tr.Name())
	assert.Equal(t, clock.t, tr.ConnectTime())
	assert.Equal(t, tr.ConnectTime(), tr.LastActivity())
	assert.Zero(t, tr.MessageCount())

	clock.advance(2 * time.Second)
	tr.Touch()
	tr.Touch()

	assert.Equal(t, uint64(2), tr.MessageCount())
	assert.Equal(t, clock.t, tr.LastActivity())
	assert.Equal(t, 2*time.Second, tr.Age())
}

func TestTracker_HasTimedOut(t *testing.T) {
	clock := newClock()
	tr := New("c", nil, WithClock(clock.now))

	clock.advance(5 * time.Second)
	assert.False(t, tr.HasTimedOut(5*time.Second))

	clock.advance(time.Millisecond)
	assert.True(t, tr.HasTimedOut(5*time.Second))

	tr.Touch()
	assert.False(t, tr.HasTimedOut(5*time.Second))

	clock.advance(time.Hour)
	assert.False(t, tr.HasTimedOut(0), "zero disables the check")
	assert.False(t, tr.HasTimedOut(-time.Second))
}

func TestTracker_Command(t *testing.T) {
	clock := newClock()
	tr := New("c", nil, WithClock(clock.now))

	_, _, ok := tr.EndCommand()
	assert.False(t, ok)

	require.NoError(t, tr.BeginCommand("spawn_actor"))
	assert.ErrorIs(t, tr.BeginCommand("other"), ErrCommandPending)

	pending, ok := tr.Pending()
	require.True(t, ok)
	assert.Equal(t, "spawn_actor", pending.Name)

	clock.advance(3 * time.Second)
	assert.True(t, tr.CommandStuck(2*time.Second))
	assert.False(t, tr.CommandStuck(4*time.Second))
	assert.False(t, tr.CommandStuck(0))

	cmd, took, ok := tr.EndCommand()
	require.True(t, ok)
	assert.Equal(t, "spawn_actor", cmd.Name)
	assert.Equal(t, 3*time.Second, took)

	_, ok = tr.Pending()
	assert.False(t, ok)
	assert.False(t, tr.CommandStuck(time.Nanosecond))
	require.NoError(t, tr.BeginCommand("next"))
}

func TestTracker_IsAlive(t *testing.T) {
	server, client := tcpPair(t)
	tr := New(server.RemoteAddr().String(), server)

	assert.True(t, tr.IsAlive())

	// Unread data must not be consumed by the probe.
	_, err := client.Write([]byte("x"))
	require.NoError(t, err)
	assert.Eventually(t, tr.IsAlive, time.Second, 10*time.Millisecond)

	buf := make([]byte, 1)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('x'), buf[0])
}

func TestTracker_IsAliveKeepsReadDeadline(t *testing.T) {
	server, _ := tcpPair(t)
	tr := New("c", server)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(-time.Second)))
	assert.True(t, tr.IsAlive())

	// The expired deadline still applies to the owner's next read.
	start := time.Now()
	_, err := server.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestTracker_IsAlive_PeerClosed(t *testing.T) {
	server, client := tcpPair(t)
	tr := New("c", server)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return !tr.IsAlive() }, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_IsAlive_MarkClosed(t *testing.T) {
	server, _ := tcpPair(t)
	tr := New("c", server)

	tr.MarkClosed()
	assert.False(t, tr.IsAlive())

	assert.False(t, New("nil", nil).IsAlive())
}
