// Package config loads the bridge server configuration from YAML.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/bridge/wire"
)

// Legacy fallback flavours accepted by legacy_mode.
const (
	LegacyProbe = "probe"
	LegacyLine  = "line"
	LegacyOff   = "off"
)

// Config is the complete server configuration. Durations are whole seconds.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ConnectTimeoutSecs    int `yaml:"connect_timeout_secs"`    // probe client dial (default: 10)
	ReadTimeoutSecs       int `yaml:"read_timeout_secs"`       // per message read (default: 30)
	HandshakeTimeoutSecs  int `yaml:"handshake_timeout_secs"`  // first message (default: 10)
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"` // server ping when send-idle, 0 disables (default: 15)
	IdleTimeoutSecs       int `yaml:"idle_timeout_secs"`       // 0 disables (default: 300)
	CommandTimeoutSecs    int `yaml:"command_timeout_secs"`    // 0 disables (default: 60)
	ShutdownTimeoutSecs   int `yaml:"shutdown_timeout_secs"`   // drain on stop (default: 10)

	MaxReceiveBuffer     int    `yaml:"max_receive_buffer"`      // bytes, at most 4 MiB
	LegacyMode           string `yaml:"legacy_mode"`             // probe, line or off
	MaxConnections       int    `yaml:"max_connections"`         // 0 means unlimited
	MaxMessagesPerSecond int    `yaml:"max_messages_per_second"` // 0 means unlimited

	LogFile     string `yaml:"log_file"`     // telemetry sink, empty disables
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error
	MetricsAddr string `yaml:"metrics_addr"` // empty disables
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  55557,
		ConnectTimeoutSecs:    10,
		ReadTimeoutSecs:       30,
		HandshakeTimeoutSecs:  10,
		HeartbeatIntervalSecs: 15,
		IdleTimeoutSecs:       300,
		CommandTimeoutSecs:    60,
		ShutdownTimeoutSecs:   10,
		MaxReceiveBuffer:      wire.MaxFrameSize,
		LegacyMode:            LegacyProbe,
		LogLevel:              "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("invalid port: %d", c.Port)
	}
	if c.ConnectTimeoutSecs <= 0 {
		return errors.New("connect_timeout_secs must be positive")
	}
	if c.ReadTimeoutSecs <= 0 {
		return errors.New("read_timeout_secs must be positive")
	}
	if c.HandshakeTimeoutSecs <= 0 {
		return errors.New("handshake_timeout_secs must be positive")
	}
	if c.HeartbeatIntervalSecs < 0 || c.IdleTimeoutSecs < 0 || c.CommandTimeoutSecs < 0 || c.ShutdownTimeoutSecs < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MaxReceiveBuffer <= 0 || c.MaxReceiveBuffer > wire.MaxFrameSize {
		return errors.Errorf("max_receive_buffer must be between 1 and %d, got %d", wire.MaxFrameSize, c.MaxReceiveBuffer)
	}
	switch c.LegacyMode {
	case LegacyProbe, LegacyLine, LegacyOff:
	default:
		return errors.Errorf("invalid legacy_mode: %q", c.LegacyMode)
	}
	if c.MaxConnections < 0 {
		return errors.New("max_connections must not be negative")
	}
	if c.MaxMessagesPerSecond < 0 {
		return errors.New("max_messages_per_second must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Fallback maps legacy_mode onto the decoder fallback.
func (c *Config) Fallback() wire.Mode {
	switch c.LegacyMode {
	case LegacyLine:
		return wire.LegacyLineDelimited
	case LegacyOff:
		return wire.Framed
	default:
		return wire.LegacyProbe
	}
}

func (c *Config) ConnectTimeout() time.Duration    { return secs(c.ConnectTimeoutSecs) }
func (c *Config) ReadTimeout() time.Duration       { return secs(c.ReadTimeoutSecs) }
func (c *Config) HandshakeTimeout() time.Duration  { return secs(c.HandshakeTimeoutSecs) }
func (c *Config) HeartbeatInterval() time.Duration { return secs(c.HeartbeatIntervalSecs) }
func (c *Config) IdleTimeout() time.Duration       { return secs(c.IdleTimeoutSecs) }
func (c *Config) CommandTimeout() time.Duration    { return secs(c.CommandTimeoutSecs) }
func (c *Config) ShutdownTimeout() time.Duration   { return secs(c.ShutdownTimeoutSecs) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
