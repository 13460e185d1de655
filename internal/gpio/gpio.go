// Package gpio provides the encoder input pair and the LED output line on top
// of several Linux GPIO access methods.
//
// Backends:
//   - gpiocdev: the GPIO character device (preferred on current kernels)
//   - sysfs:    the legacy /sys/class/gpio interface, edge-polled with poll(2)
//   - periph:   periph.io host drivers
//   - sim:      in-memory lines driven by the console or IPC
package gpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"detentd/internal/quadrature"
)

var (
	// ErrUnknownBackend is returned by Open for an unrecognised backend name.
	ErrUnknownBackend = errors.New("unknown gpio backend")
	// ErrClosed is returned by operations on closed lines.
	ErrClosed = errors.New("gpio lines closed")
)

// Lines is the encoder input pair. Read and Clear satisfy encoder.Source.
type Lines interface {
	// Read samples both lines.
	Read() (quadrature.Sample, error)
	// Clear acknowledges the pending edge on both lines.
	Clear() error
	// Watch calls onEdge for every edge on either line until ctx is canceled
	// or the lines are closed. onEdge may be called from more than one
	// goroutine.
	Watch(ctx context.Context, onEdge func()) error
	Close() error
}

// Output is a single output line.
type Output interface {
	Set(int) error
	Close() error
}

// Backend names a GPIO access method.
type Backend string

const (
	BackendCdev   Backend = "gpiocdev"
	BackendSysfs  Backend = "sysfs"
	BackendPeriph Backend = "periph"
	BackendSim    Backend = "sim"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendCdev, BackendSysfs, BackendPeriph, BackendSim:
		return b, nil
	case "cdev":
		return BackendCdev, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// Config selects the backend and the line offsets.
type Config struct {
	Backend Backend
	Chip    string // gpiocdev chip, e.g. "gpiochip0"
	PinA    int
	PinB    int
	LEDPin  int // negative disables the LED output
	PullUp  bool

	// Debounce is applied by the kernel on the gpiocdev backend only.
	Debounce time.Duration

	Logger *slog.Logger
}

// Open requests the encoder lines and, if configured, the LED output.
// The returned Output is nil when cfg.LEDPin is negative.
func Open(cfg Config) (Lines, Output, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backend != BackendSim && cfg.PinA == cfg.PinB {
		return nil, nil, fmt.Errorf("encoder lines A and B must differ (both %d)", cfg.PinA)
	}

	var (
		lines Lines
		err   error
	)
	switch cfg.Backend {
	case BackendCdev:
		lines, err = openCdevLines(cfg)
	case BackendSysfs:
		lines, err = openSysfsLines(cfg)
	case BackendPeriph:
		lines, err = openPeriphLines(cfg)
	case BackendSim:
		lines = NewSim()
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s encoder lines: %w", cfg.Backend, err)
	}

	if cfg.LEDPin < 0 {
		return lines, nil, nil
	}

	var out Output
	switch cfg.Backend {
	case BackendCdev:
		out, err = openCdevOutput(cfg)
	case BackendSysfs:
		out, err = openSysfsOutput(cfg)
	case BackendPeriph:
		out, err = openPeriphOutput(cfg)
	case BackendSim:
		out = NewLogOutput(cfg.Logger)
	}
	if err != nil {
		_ = lines.Close()
		return nil, nil, fmt.Errorf("open %s led line: %w", cfg.Backend, err)
	}
	return lines, out, nil
}

func level(v int) int {
	if v != 0 {
		return 1
	}
	return 0
}
