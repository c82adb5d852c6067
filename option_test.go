package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/Zereker/bridge/telemetry"
	"github.com/Zereker/bridge/wire"
)

func TestExecutorOption(t *testing.T) {
	called := false
	executor := ExecutorFunc(func(ctx context.Context, req Request) (any, error) {
		called = true
		return nil, nil
	})
	opt := ExecutorOption(executor)

	var opts options
	opt(&opts)

	if opts.executor == nil {
		t.Fatal("executor is nil")
	}

	// Call to verify it's the right function
	_, _ = opts.executor.Execute(context.Background(), Request{Command: "status"})
	if !called {
		t.Error("executor not called")
	}
}

func TestTimeoutOptions(t *testing.T) {
	var opts options
	for _, opt := range []Option{
		ReadTimeoutOption(time.Second),
		WriteTimeoutOption(2 * time.Second),
		HandshakeTimeoutOption(3 * time.Second),
		PollIntervalOption(4 * time.Second),
		IdleTimeoutOption(5 * time.Second),
		CommandTimeoutOption(6 * time.Second),
	} {
		opt(&opts)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"readTimeout", opts.readTimeout, time.Second},
		{"writeTimeout", opts.writeTimeout, 2 * time.Second},
		{"handshakeTimeout", opts.handshakeTimeout, 3 * time.Second},
		{"pollInterval", opts.pollInterval, 4 * time.Second},
		{"idleTimeout", opts.idleTimeout, 5 * time.Second},
		{"commandTimeout", opts.commandTimeout, 6 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHeartbeatOption(t *testing.T) {
	heartbeat := time.Minute * 5
	opt := HeartbeatOption(heartbeat)

	var opts options
	opt(&opts)

	if opts.heartbeat != heartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, heartbeat)
	}
}

func TestMessageMaxSize(t *testing.T) {
	opt := MessageMaxSize(4096)

	var opts options
	opt(&opts)

	if opts.maxReadLength != 4096 {
		t.Errorf("maxReadLength = %d, want 4096", opts.maxReadLength)
	}
}

func TestLegacyModeOption(t *testing.T) {
	var opts options
	LegacyModeOption(wire.Framed)(&opts)

	if opts.legacy != wire.Framed {
		t.Errorf("legacy = %v, want %v", opts.legacy, wire.Framed)
	}
	if !opts.legacySet {
		t.Error("legacySet not recorded")
	}
}

func TestOnErrorOption(t *testing.T) {
	called := false
	onError := func(err error) ErrorAction {
		called = true
		return Disconnect
	}
	opt := OnErrorOption(onError)

	var opts options
	opt(&opts)

	if opts.onError == nil {
		t.Fatal("onError is nil")
	}

	if action := opts.onError(nil); action != Disconnect {
		t.Errorf("action = %v, want Disconnect", action)
	}
	if !called {
		t.Error("onError callback not called")
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opt := LoggerOption(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestOptions_MultipleOptions(t *testing.T) {
	logger := &mockLogger{}
	sink := telemetry.NopSink{}
	metrics := telemetry.NewMetrics()
	onError := func(err error) ErrorAction { return Continue }

	var opts options
	options := []Option{
		ExecutorOption(echoExecutor),
		LoggerOption(logger),
		SinkOption(sink),
		MetricsOption(metrics),
		OnErrorOption(onError),
		RateLimitOption(25),
		ServerVersionOption("1.2.3"),
		MessageMaxSize(8192),
	}

	for _, opt := range options {
		opt(&opts)
	}

	if opts.executor == nil {
		t.Error("executor not set")
	}
	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.sink != sink {
		t.Error("sink not set")
	}
	if opts.metrics != metrics {
		t.Error("metrics not set")
	}
	if opts.onError == nil {
		t.Error("onError not set")
	}
	if opts.messageRate != 25 {
		t.Errorf("messageRate = %v, want 25", opts.messageRate)
	}
	if opts.serverVersion != "1.2.3" {
		t.Errorf("serverVersion = %q, want 1.2.3", opts.serverVersion)
	}
	if opts.maxReadLength != 8192 {
		t.Errorf("maxReadLength = %d, want 8192", opts.maxReadLength)
	}
}

func TestErrorAction(t *testing.T) {
	// Test Disconnect constant
	if Disconnect != 0 {
		t.Errorf("Disconnect = %d, want 0", Disconnect)
	}

	// Test Continue constant
	if Continue != 1 {
		t.Errorf("Continue = %d, want 1", Continue)
	}
}
