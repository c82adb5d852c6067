package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Zereker/bridge/wire"
)

func TestNewBridge(t *testing.T) {
	b, err := NewBridge(ExecutorOption(echoExecutor))
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if b.Active() != 0 {
		t.Errorf("Active = %d, want 0", b.Active())
	}
}

func TestNewBridge_MissingExecutor(t *testing.T) {
	_, err := NewBridge()
	if !errors.Is(err, ErrInvalidExecutor) {
		t.Errorf("expected ErrInvalidExecutor, got %v", err)
	}
}

func TestBridge_ReconfigureKeepsPreviousOnError(t *testing.T) {
	b, err := NewBridge(ExecutorOption(echoExecutor), ServerVersionOption("v1"))
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	if err := b.Reconfigure(ServerVersionOption("v2")); !errors.Is(err, ErrInvalidExecutor) {
		t.Fatalf("expected ErrInvalidExecutor, got %v", err)
	}

	opts, err := resolve(*b.opts.Load())
	if err != nil {
		t.Fatalf("stored options invalid: %v", err)
	}
	if opts.serverVersion != "v1" {
		t.Errorf("serverVersion = %q, want v1", opts.serverVersion)
	}
}

func TestBridge_Handle(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	b, err := NewBridge(ExecutorOption(echoExecutor), PollIntervalOption(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Handle(context.Background(), serverConn)
	}()

	clientHandshake(t, clientConn)
	if n := b.Active(); n != 1 {
		t.Errorf("Active = %d, want 1", n)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after the peer left")
	}

	if n := b.Active(); n != 0 {
		t.Errorf("Active = %d after Handle returned", n)
	}
}

func TestBridge_ReconfigureAppliesToNewConnections(t *testing.T) {
	b, err := NewBridge(ExecutorOption(echoExecutor), PollIntervalOption(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	// first connection keeps the legacy probe
	firstServer, firstClient := createTestTCPPair(t)
	defer firstClient.Close()
	first := make(chan struct{})
	go func() {
		defer close(first)
		b.Handle(context.Background(), firstServer)
	}()
	clientHandshake(t, firstClient)

	if err := b.Reconfigure(ExecutorOption(echoExecutor), LegacyModeOption(wire.Framed),
		PollIntervalOption(20*time.Millisecond)); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	// second connection gets the new options: unframed JSON is refused
	secondServer, secondClient := createTestTCPPair(t)
	defer secondClient.Close()
	second := make(chan struct{})
	go func() {
		defer close(second)
		b.Handle(context.Background(), secondServer)
	}()

	sendRaw(t, secondClient, []byte(`{"type":"handshake","protocolVersion":1}`))
	if code := errorCode(t, readFrame(t, secondClient)); code != "MALFORMED_FRAME" {
		t.Errorf("code = %q, want MALFORMED_FRAME", code)
	}

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second connection not closed")
	}

	// the first connection is untouched
	sendFrame(t, firstClient, map[string]any{"type": "ping"})
	if pong := readFrame(t, firstClient); pong["type"] != "pong" {
		t.Errorf("unexpected reply: %v", pong)
	}

	firstClient.Close()
	<-first
}
