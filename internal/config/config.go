package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for audiosync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// LogFile receives log output while the terminal UI owns stdout.
	LogFile string `env:"LOG_FILE"`

	// DNS-SD service the device advertises.
	ServiceType   string `env:"SERVICE_TYPE" envDefault:"_audio-jsonrpc-ws._tcp"`
	ServiceDomain string `env:"SERVICE_DOMAIN" envDefault:"local."`

	// DeviceAddr is a fixed host:port. When set, mDNS browsing is skipped.
	DeviceAddr string `env:"DEVICE_ADDR"`

	// WSPath is the websocket endpoint path on the device.
	WSPath string `env:"WS_PATH" envDefault:"/websocket"`

	// Liveness protocol timings.
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"2s"`
	PongTimeout  time.Duration `env:"PONG_TIMEOUT" envDefault:"5s"`
	CloseTimeout time.Duration `env:"CLOSE_TIMEOUT" envDefault:"5s"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`

	// AddrCheckInterval is how often discovery polls the local address.
	AddrCheckInterval time.Duration `env:"ADDR_CHECK_INTERVAL" envDefault:"1s"`

	// Backoff between failed connection attempts.
	ReconnectMin time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`

	// AudioExt is the file extension treated as a track.
	AudioExt string `env:"AUDIO_EXT" envDefault:".ogg"`

	// Catalog snapshot. StatePath defaults to ~/.audiosync/state.db.
	PersistCatalog bool   `env:"PERSIST_CATALOG" envDefault:"true"`
	StatePath      string `env:"STATE_PATH"`

	// MetricsAddr enables the Prometheus listener when non-empty.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.PersistCatalog && cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if !strings.HasPrefix(cfg.AudioExt, ".") {
		cfg.AudioExt = "." + cfg.AudioExt
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServiceType == "" && c.DeviceAddr == "" {
		return fmt.Errorf("SERVICE_TYPE is required when DEVICE_ADDR is not set")
	}

	if c.DeviceAddr != "" {
		if _, _, err := net.SplitHostPort(c.DeviceAddr); err != nil {
			return fmt.Errorf("DEVICE_ADDR must be host:port: %w", err)
		}
	}

	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with /")
	}

	for name, d := range map[string]time.Duration{
		"PING_INTERVAL":       c.PingInterval,
		"PONG_TIMEOUT":        c.PongTimeout,
		"CLOSE_TIMEOUT":       c.CloseTimeout,
		"DIAL_TIMEOUT":        c.DialTimeout,
		"ADDR_CHECK_INTERVAL": c.AddrCheckInterval,
		"RECONNECT_MIN":       c.ReconnectMin,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	// A pong window shorter than the ping interval would close every
	// session before its first ping could be answered.
	if c.PongTimeout < c.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT (%s) must not be shorter than PING_INTERVAL (%s)", c.PongTimeout, c.PingInterval)
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MAX must not be shorter than RECONNECT_MIN")
	}

	if len(c.AudioExt) < 2 {
		return fmt.Errorf("AUDIO_EXT must not be empty")
	}

	return nil
}

// DefaultStatePath returns ~/.audiosync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".audiosync", "state.db"), nil
}
