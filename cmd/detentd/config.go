package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"detentd/internal/gpio"
	"detentd/internal/rate"
)

// Config is the top-level YAML configuration for detentd.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config.
type Config struct {
	Encoder EncoderConfig `yaml:"encoder"`
	Rate    RateConfig    `yaml:"rate"`
	Blink   BlinkConfig   `yaml:"blink"`
	IPC     IPCConfig     `yaml:"ipc"`
	Server  ServerConfig  `yaml:"server"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
}

type EncoderConfig struct {
	Backend    string `yaml:"backend"` // gpiocdev | sysfs | periph | sim
	Chip       string `yaml:"chip"`
	PinA       int    `yaml:"pin_a"`
	PinB       int    `yaml:"pin_b"`
	PullUp     bool   `yaml:"pull_up"`
	DebounceUS int    `yaml:"debounce_us"` // gpiocdev only; 0 = off
	Threshold  int    `yaml:"threshold"`   // quarter steps per detent
	Invert     bool   `yaml:"invert"`
}

// RateConfig bounds the blink period, in ticks.
type RateConfig struct {
	FloorTicks   uint32 `yaml:"floor_ticks"`
	CeilingTicks uint32 `yaml:"ceiling_ticks"`
	DefaultTicks uint32 `yaml:"default_ticks"`
	Divisor      uint32 `yaml:"divisor"`
}

type BlinkConfig struct {
	LEDPin int `yaml:"led_pin"` // -1 disables the LED output
	TickHz int `yaml:"tick_hz"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// ServerConfig is the HTTP listener for the state websocket.
type ServerConfig struct {
	Listen          string `yaml:"listen"` // empty disables
	StatsIntervalMS int    `yaml:"stats_interval_ms"`
}

type MQTTConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Broker                 string `yaml:"broker"`
	ClientID               string `yaml:"client_id"`
	TopicPrefix            string `yaml:"topic_prefix"`
	Username               string `yaml:"username,omitempty"`
	Password               string `yaml:"password,omitempty"`
	HomeAssistantDiscovery bool   `yaml:"homeassistant_discovery"`
	PublishBlink           bool   `yaml:"publish_blink"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Encoder: EncoderConfig{
			Backend:   defaultBackend,
			Chip:      defaultChip,
			PinA:      defaultPinA,
			PinB:      defaultPinB,
			PullUp:    true,
			Threshold: defaultThreshold,
		},
		Rate: RateConfig{
			FloorTicks:   rate.DefaultFloor,
			CeilingTicks: rate.DefaultCeiling,
			DefaultTicks: rate.DefaultPeriod,
			Divisor:      rate.DefaultDivisor,
		},
		Blink: BlinkConfig{
			LEDPin: defaultLEDPin,
			TickHz: defaultTickHz,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		Server: ServerConfig{
			Listen:          defaultListenAddr,
			StatsIntervalMS: defaultStatsIntervalMS,
		},
		MQTT: MQTTConfig{
			Enabled:                false,
			Broker:                 defaultMQTTBroker,
			ClientID:               defaultMQTTClientID,
			TopicPrefix:            defaultMQTTPrefix,
			HomeAssistantDiscovery: true,
			PublishBlink:           true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected so typos surface at startup.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flags that were set explicitly on the command line.
// A nil pointer means "not set"; a non-nil pointer is applied even if it
// holds a zero value.
type FlagOverrides struct {
	Backend *string
	Chip    *string
	PinA    *int
	PinB    *int
	LEDPin  *int
	Invert  *bool

	IPCSocketPath *string
	Listen        *string

	MQTTEnabled *bool
	MQTTBroker  *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Backend != nil {
		cfg.Encoder.Backend = *o.Backend
	}
	if o.Chip != nil {
		cfg.Encoder.Chip = *o.Chip
	}
	if o.PinA != nil {
		cfg.Encoder.PinA = *o.PinA
	}
	if o.PinB != nil {
		cfg.Encoder.PinB = *o.PinB
	}
	if o.LEDPin != nil {
		cfg.Blink.LEDPin = *o.LEDPin
	}
	if o.Invert != nil {
		cfg.Encoder.Invert = *o.Invert
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// ApplyEnv fills MQTT credentials from the environment. Environment values
// win over the file so secrets can stay out of it.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(envMQTTUsername); v != "" {
		c.MQTT.Username = v
	}
	if v := getenv(envMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file, overrides and environment are applied.
func (c *Config) Validate() error {
	// Encoder
	backend, err := gpio.ParseBackend(c.Encoder.Backend)
	if err != nil {
		return fmt.Errorf("encoder.backend: %w", err)
	}
	if backend == gpio.BackendCdev && c.Encoder.Chip == "" {
		return errors.New("encoder.chip must not be empty for the gpiocdev backend")
	}
	if backend != gpio.BackendSim {
		if c.Encoder.PinA < 0 || c.Encoder.PinB < 0 {
			return errors.New("encoder.pin_a and encoder.pin_b must be >= 0")
		}
		if c.Encoder.PinA == c.Encoder.PinB {
			return errors.New("encoder.pin_a and encoder.pin_b must differ")
		}
		if c.Blink.LEDPin == c.Encoder.PinA || c.Blink.LEDPin == c.Encoder.PinB {
			return errors.New("blink.led_pin must not be one of the encoder pins")
		}
	}
	if c.Encoder.DebounceUS < 0 {
		return errors.New("encoder.debounce_us must be >= 0")
	}
	if c.Encoder.DebounceUS > 0 && backend != gpio.BackendCdev {
		return errors.New("encoder.debounce_us is only supported by the gpiocdev backend")
	}
	if c.Encoder.Threshold < 1 || c.Encoder.Threshold > 16 {
		return errors.New("encoder.threshold must be between 1 and 16")
	}

	// Rate
	if err := c.RateBounds().Validate(); err != nil {
		return fmt.Errorf("rate: %w", err)
	}

	// Blink
	if c.Blink.TickHz <= 0 || c.Blink.TickHz > 10000 {
		return errors.New("blink.tick_hz must be between 1 and 10000")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Server
	if c.Server.StatsIntervalMS <= 0 {
		return errors.New("server.stats_interval_ms must be > 0")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.TopicPrefix == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic_prefix is empty")
		}
		if c.MQTT.ClientID == "" {
			return errors.New("mqtt.enabled is true but mqtt.client_id is empty")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// RateBounds converts the rate section into controller bounds.
func (c *Config) RateBounds() rate.Bounds {
	return rate.Bounds{
		Floor:   c.Rate.FloorTicks,
		Ceiling: c.Rate.CeilingTicks,
		Default: c.Rate.DefaultTicks,
		Divisor: c.Rate.Divisor,
	}
}

// GPIOConfig converts the encoder and blink sections into a gpio.Config.
// Call only after Validate.
func (c *Config) GPIOConfig(logger *slog.Logger) gpio.Config {
	backend, _ := gpio.ParseBackend(c.Encoder.Backend)
	return gpio.Config{
		Backend:  backend,
		Chip:     c.Encoder.Chip,
		PinA:     c.Encoder.PinA,
		PinB:     c.Encoder.PinB,
		LEDPin:   c.Blink.LEDPin,
		PullUp:   c.Encoder.PullUp,
		Debounce: time.Duration(c.Encoder.DebounceUS) * time.Microsecond,
		Logger:   logger,
	}
}

// StatsInterval is the period of the daemon's refresh tick.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Server.StatsIntervalMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
