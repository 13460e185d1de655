package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"detentd/internal/gpio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detentd.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	b := cfg.RateBounds()
	if b.Floor != 10 || b.Ceiling != 3000 || b.Default != 1000 || b.Divisor != 10 {
		t.Fatalf("unexpected default bounds %+v", b)
	}
}

func TestLoadConfigFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
encoder:
  backend: sysfs
  pin_a: 5
  pin_b: 6
rate:
  default_ticks: 500
logging:
  level: debug
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Encoder.Backend != "sysfs" || cfg.Encoder.PinA != 5 || cfg.Encoder.PinB != 6 {
		t.Fatalf("encoder section not applied: %+v", cfg.Encoder)
	}
	if cfg.Rate.DefaultTicks != 500 {
		t.Fatalf("expected default_ticks=500, got %d", cfg.Rate.DefaultTicks)
	}
	// Untouched fields keep their defaults.
	if cfg.Rate.CeilingTicks != 3000 {
		t.Fatalf("expected ceiling default 3000, got %d", cfg.Rate.CeilingTicks)
	}
	if cfg.Blink.TickHz != defaultTickHz {
		t.Fatalf("expected tick_hz default, got %d", cfg.Blink.TickHz)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFile_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "encoder:\n  pin_c: 4\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n---\nlogging:\n  level: debug\n")
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing document error, got %v", err)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadConfigFile(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	backend := "sim"
	pinA := 0
	level := "warn"
	FlagOverrides{Backend: &backend, PinA: &pinA, LogLevel: &level}.Apply(&cfg)

	if cfg.Encoder.Backend != "sim" {
		t.Fatalf("backend override not applied")
	}
	if cfg.Encoder.PinA != 0 {
		t.Fatalf("zero-value override should still apply, got %d", cfg.Encoder.PinA)
	}
	if cfg.Encoder.PinB != defaultPinB {
		t.Fatalf("unset override must not change pin_b")
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level override not applied")
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Username = "file-user"
	env := map[string]string{
		envMQTTPassword: "s3cret",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.MQTT.Username != "file-user" {
		t.Fatalf("empty env must not clear username, got %q", cfg.MQTT.Username)
	}
	if cfg.MQTT.Password != "s3cret" {
		t.Fatalf("expected password from env, got %q", cfg.MQTT.Password)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Encoder.Backend = "wiringpi" }, "encoder.backend"},
		{"same pins", func(c *Config) { c.Encoder.PinB = c.Encoder.PinA }, "must differ"},
		{"led on encoder pin", func(c *Config) { c.Blink.LEDPin = c.Encoder.PinA }, "led_pin"},
		{"debounce on sysfs", func(c *Config) { c.Encoder.Backend = "sysfs"; c.Encoder.DebounceUS = 100 }, "debounce_us"},
		{"zero threshold", func(c *Config) { c.Encoder.Threshold = 0 }, "threshold"},
		{"floor above ceiling", func(c *Config) { c.Rate.FloorTicks = 5000 }, "rate"},
		{"zero divisor", func(c *Config) { c.Rate.Divisor = 0 }, "rate"},
		{"tick hz", func(c *Config) { c.Blink.TickHz = 0 }, "tick_hz"},
		{"socket", func(c *Config) { c.IPC.SocketPath = "" }, "socket_path"},
		{"stats interval", func(c *Config) { c.Server.StatsIntervalMS = 0 }, "stats_interval_ms"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfig_SimIgnoresPins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.Backend = "sim"
	cfg.Encoder.PinA, cfg.Encoder.PinB = 0, 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sim backend should not check pins: %v", err)
	}
}

func TestConfig_GPIOConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.DebounceUS = 1500
	g := cfg.GPIOConfig(nil)
	if g.Backend != gpio.BackendCdev {
		t.Fatalf("expected gpiocdev backend, got %q", g.Backend)
	}
	if g.Debounce != 1500*time.Microsecond {
		t.Fatalf("expected 1.5ms debounce, got %v", g.Debounce)
	}
	if g.LEDPin != defaultLEDPin || g.PinA != defaultPinA || g.PinB != defaultPinB {
		t.Fatalf("pins not carried over: %+v", g)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/detentd.yaml"); got != filepath.Join(home, "detentd.yaml") {
		t.Fatalf("ExpandPath: got %q", got)
	}
	if got := ExpandPath("/etc/detentd.yaml"); got != "/etc/detentd.yaml" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
