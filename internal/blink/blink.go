// Package blink toggles an output every period_ticks ticks of a fixed-rate
// tick source.
package blink

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTickHz is the reference tick rate.
const DefaultTickHz = 100

// PeriodReader is the read side of the shared period.
type PeriodReader interface {
	Get() uint32
}

// Setter is an output line.
type Setter interface {
	Set(int) error
}

// Blinker is the tick consumer. Tick must only be called from one goroutine.
type Blinker struct {
	period   PeriodReader
	out      Setter
	logger   *slog.Logger
	onToggle func(on bool)

	counter uint32
	level   int
}

// New returns a Blinker reading its modulus from period and driving out.
// out may be nil, in which case only the toggle callback observes blinks.
func New(period PeriodReader, out Setter, logger *slog.Logger) *Blinker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blinker{period: period, out: out, logger: logger}
}

// OnToggle registers a callback run on the tick goroutine after each toggle.
// It must not block.
func (b *Blinker) OnToggle(fn func(on bool)) {
	b.onToggle = fn
}

// Tick advances the counter by one, modulo the period read now, and toggles
// the output when the counter wraps to zero. It reports whether it toggled.
func (b *Blinker) Tick() bool {
	p := b.period.Get()
	if p == 0 {
		// The rate cell never stores zero; treat it as one to keep the modulo defined.
		p = 1
	}
	b.counter = (b.counter + 1) % p
	if b.counter != 0 {
		return false
	}
	b.level ^= 1
	if b.out != nil {
		if err := b.out.Set(b.level); err != nil {
			b.logger.Warn("blink output write failed", "level", b.level, "error", err)
		}
	}
	if b.onToggle != nil {
		b.onToggle(b.level == 1)
	}
	return true
}

// Level returns the last level written.
func (b *Blinker) Level() int { return b.level }

// Counter returns the position within the current period.
func (b *Blinker) Counter() uint32 { return b.counter }

// Run ticks at the given interval until ctx is canceled, then drives the
// output low.
func (b *Blinker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("blinker starting", "interval", interval, "period_ticks", b.period.Get())
	for {
		select {
		case <-ctx.Done():
			if b.out != nil && b.level != 0 {
				_ = b.out.Set(0)
			}
			b.logger.Info("blinker stopping (context canceled)")
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Interval converts a tick rate in Hz to a ticker interval.
func Interval(hz int) time.Duration {
	if hz <= 0 {
		hz = DefaultTickHz
	}
	return time.Second / time.Duration(hz)
}
