// Package config loads the settings shared by the server, bridge and helper
// processes: a YAML file, then PRINTBRIDGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PRINTBRIDGE_"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Ledger    LedgerConfig    `yaml:"ledger" envPrefix:"LEDGER_"`
	Presence  PresenceConfig  `yaml:"presence" envPrefix:"PRESENCE_"`
	Bridge    BridgeConfig    `yaml:"bridge" envPrefix:"BRIDGE_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Encoder   EncoderConfig   `yaml:"encoder" envPrefix:"ENCODER_"`
	Helper    HelperConfig    `yaml:"helper" envPrefix:"HELPER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr" env:"ADDR"`
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	SyncWait      time.Duration `yaml:"sync_wait" env:"SYNC_WAIT"`
	ReapInterval  time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type LedgerConfig struct {
	Driver      string        `yaml:"driver" env:"DRIVER"` // sqlite or postgres
	Path        string        `yaml:"path" env:"PATH"`
	DSN         string        `yaml:"dsn" env:"DSN"`
	StaleAfter  time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type PresenceConfig struct {
	Backend           string        `yaml:"backend" env:"BACKEND"` // memory or redis
	RedisAddr         string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword     string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB           int           `yaml:"redis_db" env:"REDIS_DB"`
	Namespace         string        `yaml:"namespace" env:"NAMESPACE"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

type BridgeConfig struct {
	DeviceID           string        `yaml:"device_id" env:"DEVICE_ID"`
	HubURL             string        `yaml:"hub_url" env:"HUB_URL"`
	Token              string        `yaml:"token" env:"TOKEN"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	RetryDelay         time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	BackoffBase        time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffFactor      float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	BackoffMax         time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	BackoffMaxAttempts int           `yaml:"backoff_max_attempts" env:"BACKOFF_MAX_ATTEMPTS"`
	PreferencesPath    string        `yaml:"preferences_path" env:"PREFERENCES_PATH"`
	DiagnosticSize     int           `yaml:"diagnostic_size" env:"DIAGNOSTIC_SIZE"`
	TUI                bool          `yaml:"tui" env:"TUI"`
}

type TransportConfig struct {
	// Order lists transports by priority; host_usb is only used as Override
	Order        []string      `yaml:"order" env:"ORDER" envSeparator:","`
	Override     string        `yaml:"override" env:"OVERRIDE"`
	USB          USBConfig     `yaml:"usb" envPrefix:"USB_"`
	Host         HostConfig    `yaml:"host" envPrefix:"HOST_"`
	Network      NetworkConfig `yaml:"network" envPrefix:"NETWORK_"`
	HelperURL    string        `yaml:"helper_url" env:"HELPER_URL"`
	ScanInterval time.Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
}

type USBConfig struct {
	VendorID  uint16 `yaml:"vendor_id" env:"VENDOR_ID"`
	ProductID uint16 `yaml:"product_id" env:"PRODUCT_ID"`
}

type HostConfig struct {
	Device string `yaml:"device" env:"DEVICE"`
	Baud   int    `yaml:"baud" env:"BAUD"`
}

type NetworkConfig struct {
	Host           string `yaml:"host" env:"HOST"`
	Port           int    `yaml:"port" env:"PORT"`
	RelayURL       string `yaml:"relay_url" env:"RELAY_URL"`
	DirectDisabled bool   `yaml:"direct_disabled" env:"DIRECT_DISABLED"`
}

type EncoderConfig struct {
	Dialect  string `yaml:"dialect" env:"DIALECT"`
	CodePage string `yaml:"code_page" env:"CODE_PAGE"`
}

type HelperConfig struct {
	Addr        string `yaml:"addr" env:"ADDR"`
	Port        string `yaml:"port" env:"PORT"`
	Baud        int    `yaml:"baud" env:"BAUD"`
	AutoConnect bool   `yaml:"auto_connect" env:"AUTO_CONNECT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// Defaults returns the reference configuration
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":12212",
			SyncWait:      3 * time.Second,
			ReapInterval:  time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Driver:      "sqlite",
			Path:        "./data/ledger.db",
			StaleAfter:  5 * time.Minute,
			MaxAttempts: 2,
		},
		Presence: PresenceConfig{
			Backend:           "memory",
			Namespace:         "printbridge",
			StaleAfter:        120 * time.Second,
			HeartbeatInterval: 45 * time.Second,
		},
		Bridge: BridgeConfig{
			HubURL:             "http://127.0.0.1:12212",
			PollInterval:       30 * time.Second,
			AttemptTimeout:     10 * time.Second,
			RetryDelay:         2 * time.Second,
			BackoffBase:        2 * time.Second,
			BackoffFactor:      2,
			BackoffMax:         10 * time.Second,
			BackoffMaxAttempts: 10,
			PreferencesPath:    "printer-preferences.json",
			DiagnosticSize:     100,
		},
		Transport: TransportConfig{
			Order:        []string{"usb", "network", "helper"},
			Network:      NetworkConfig{Port: 9100},
			Host:         HostConfig{Baud: 9600},
			HelperURL:    "http://127.0.0.1:9100",
			ScanInterval: 2 * time.Second,
		},
		Encoder: EncoderConfig{
			Dialect:  "escpos",
			CodePage: "cp850",
		},
		Helper: HelperConfig{
			Addr:        "127.0.0.1:9100",
			Baud:        9600,
			AutoConnect: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings every process relies on. Process specific
// requirements, such as the bridge device id, are checked by ValidateBridge.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger path is required for sqlite")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid ledger driver: %s (valid: sqlite, postgres)", c.Ledger.Driver)
	}

	if c.Server.ReapInterval <= 0 || c.Server.SweepInterval <= 0 {
		return fmt.Errorf("server reap and sweep intervals must be positive")
	}
	if c.Transport.ScanInterval <= 0 {
		return fmt.Errorf("transport scan_interval must be positive")
	}

	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Ledger.StaleAfter <= 0 {
		return fmt.Errorf("ledger stale_after must be positive")
	}

	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("invalid presence backend: %s (valid: memory, redis)", c.Presence.Backend)
	}

	if c.Presence.StaleAfter <= 0 || c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence intervals must be positive")
	}
	if c.Presence.HeartbeatInterval >= c.Presence.StaleAfter {
		return fmt.Errorf("heartbeat interval %s must be shorter than stale_after %s", c.Presence.HeartbeatInterval, c.Presence.StaleAfter)
	}

	if c.Bridge.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive")
	}
	if c.Bridge.RetryDelay < 0 || c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge intervals must be positive")
	}
	if c.Bridge.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1")
	}

	validTransports := map[string]bool{"usb": true, "host_usb": true, "network": true, "helper": true}
	for _, name := range c.Transport.Order {
		if !validTransports[name] {
			return fmt.Errorf("invalid transport: %s (valid: usb, host_usb, network, helper)", name)
		}
	}
	if c.Transport.Override != "" && !validTransports[c.Transport.Override] {
		return fmt.Errorf("invalid transport override: %s", c.Transport.Override)
	}

	if c.Encoder.Dialect != "escpos" && c.Encoder.Dialect != "escbema" {
		return fmt.Errorf("invalid dialect: %s (valid: escpos, escbema)", c.Encoder.Dialect)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Log.Format)
	}

	return nil
}

// ValidateBridge adds the checks only the bridge process needs
func (c *Config) ValidateBridge() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Bridge.DeviceID == "" {
		return fmt.Errorf("bridge device_id is required")
	}
	if c.Bridge.DeviceID == "unassigned" {
		return fmt.Errorf("bridge device_id %q is reserved", c.Bridge.DeviceID)
	}
	if c.Bridge.HubURL == "" {
		return fmt.Errorf("bridge hub_url is required")
	}
	return nil
}
