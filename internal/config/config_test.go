package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Presence.HeartbeatInterval != 45*time.Second || cfg.Presence.StaleAfter != 120*time.Second {
		t.Errorf("unexpected presence defaults %+v", cfg.Presence)
	}
	if cfg.Ledger.MaxAttempts != 2 || cfg.Bridge.AttemptTimeout != 10*time.Second {
		t.Errorf("unexpected delivery defaults")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":12212" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printbridge.yaml")
	os.WriteFile(path, []byte(`
server:
  addr: ":8080"
ledger:
  driver: postgres
  dsn: postgres://localhost/print
bridge:
  device_id: counter-1
  retry_delay: 500ms
transport:
  order: [network, helper]
  network:
    host: 192.168.0.50
`), 0644)

	t.Setenv("PRINTBRIDGE_BRIDGE_DEVICE_ID", "counter-2")
	t.Setenv("PRINTBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("PRINTBRIDGE_TRANSPORT_USB_VENDOR_ID", "1155")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" || cfg.Ledger.Driver != "postgres" {
		t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.Ledger)
	}
	if cfg.Bridge.DeviceID != "counter-2" {
		t.Errorf("env must override file, got %s", cfg.Bridge.DeviceID)
	}
	if cfg.Bridge.RetryDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %s", cfg.Bridge.RetryDelay)
	}
	if strings.Join(cfg.Transport.Order, ",") != "network,helper" || cfg.Transport.Network.Port != 9100 {
		t.Errorf("unexpected transport %+v", cfg.Transport)
	}
	if cfg.Transport.USB.VendorID != 1155 || cfg.Log.Level != "debug" {
		t.Errorf("env overrides missing: usb=%d level=%s", cfg.Transport.USB.VendorID, cfg.Log.Level)
	}
	if cfg.Bridge.PollInterval != 30*time.Second {
		t.Errorf("unset values must keep defaults, got %s", cfg.Bridge.PollInterval)
	}
	if err := cfg.ValidateBridge(); err != nil {
		t.Errorf("ValidateBridge failed: %v", err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unterminated"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "mysql" }, "ledger driver"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Driver = "postgres" }, "dsn"},
		{"zero reap interval", func(c *Config) { c.Server.ReapInterval = 0 }, "reap and sweep"},
		{"zero scan interval", func(c *Config) { c.Transport.ScanInterval = 0 }, "scan_interval"},
		{"zero attempts", func(c *Config) { c.Ledger.MaxAttempts = 0 }, "max attempts"},
		{"redis without addr", func(c *Config) { c.Presence.Backend = "redis" }, "redis_addr"},
		{"heartbeat too slow", func(c *Config) { c.Presence.HeartbeatInterval = 3 * time.Minute }, "heartbeat"},
		{"bad transport", func(c *Config) { c.Transport.Order = []string{"bluetooth"} }, "transport"},
		{"bad dialect", func(c *Config) { c.Encoder.Dialect = "zpl" }, "dialect"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.edit(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateBridge(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ValidateBridge(); err == nil {
		t.Error("expected missing device id to fail")
	}
	cfg.Bridge.DeviceID = "unassigned"
	if err := cfg.ValidateBridge(); err == nil {
		t.Error("expected reserved device id to fail")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(LogConfig{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("NewLogger(%s) failed: %v", format, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Errorf("%s logger should have debug enabled", format)
		}
	}

	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected an invalid level error")
	}
}
