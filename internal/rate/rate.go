// Package rate owns the blink period shared between the encoder edge handler
// and the periodic blinker.
//
// The period is a single 32-bit atomic word, so a reader on the tick
// goroutine always sees a value that some writer stored in full.
package rate

import (
	"errors"
	"fmt"
	"sync/atomic"

	"detentd/internal/quadrature"
)

// Reference bounds, in ticks.
const (
	DefaultFloor   = 10
	DefaultCeiling = 3000
	DefaultPeriod  = 1000
	DefaultDivisor = 10
)

// Bounds configures the period range and the per-detent adjustment.
type Bounds struct {
	Floor   uint32 // Smallest period; clockwise detents stop here
	Ceiling uint32 // Largest period; counterclockwise detents stop here
	Default uint32 // Period at startup
	Divisor uint32 // Each detent changes the period by period/Divisor
}

// DefaultBounds returns the reference bounds.
func DefaultBounds() Bounds {
	return Bounds{
		Floor:   DefaultFloor,
		Ceiling: DefaultCeiling,
		Default: DefaultPeriod,
		Divisor: DefaultDivisor,
	}
}

// Validate checks that the bounds describe a non-empty positive range.
func (b Bounds) Validate() error {
	if b.Floor == 0 {
		return errors.New("floor must be > 0")
	}
	if b.Floor > b.Ceiling {
		return fmt.Errorf("floor %d must be <= ceiling %d", b.Floor, b.Ceiling)
	}
	if b.Default < b.Floor || b.Default > b.Ceiling {
		return fmt.Errorf("default %d must be within [%d, %d]", b.Default, b.Floor, b.Ceiling)
	}
	if b.Divisor == 0 {
		return errors.New("divisor must be > 0")
	}
	return nil
}

// Clamp limits v to [Floor, Ceiling].
func (b Bounds) Clamp(v uint32) uint32 {
	if v < b.Floor {
		return b.Floor
	}
	if v > b.Ceiling {
		return b.Ceiling
	}
	return v
}

// Shared is the period cell. The zero value is not usable; use NewShared.
type Shared struct {
	bounds Bounds
	ticks  atomic.Uint32
}

// NewShared creates the cell holding bounds.Default.
func NewShared(bounds Bounds) (*Shared, error) {
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("rate bounds: %w", err)
	}
	s := &Shared{bounds: bounds}
	s.ticks.Store(bounds.Default)
	return s, nil
}

// Get returns the current period in ticks.
func (s *Shared) Get() uint32 {
	return s.ticks.Load()
}

// Set stores v clamped into the bounds and returns the stored value.
func (s *Shared) Set(v uint32) uint32 {
	v = s.bounds.Clamp(v)
	s.ticks.Store(v)
	return v
}

// Bounds returns the configured bounds.
func (s *Shared) Bounds() Bounds {
	return s.bounds
}

func (s *Shared) compareAndSwap(old, next uint32) bool {
	return s.ticks.CompareAndSwap(old, next)
}

// Controller turns detents into period changes.
type Controller struct {
	shared *Shared
}

// NewController returns a controller writing to shared.
func NewController(shared *Shared) *Controller {
	return &Controller{shared: shared}
}

// Shared returns the cell the controller writes to.
func (c *Controller) Shared() *Shared {
	return c.shared
}

// Apply adjusts the period by one tenth (per Bounds.Divisor) in the detent's
// direction. Clockwise shortens the period, counterclockwise lengthens it.
// At the floor or ceiling further detents in the same direction are absorbed.
func (c *Controller) Apply(d quadrature.Detent) (period uint32, changed bool) {
	for {
		old := c.shared.Get()
		next := c.shared.bounds.step(old, d)
		if next == old {
			return old, false
		}
		// A concurrent Set may have landed between the load and here; retry
		// against the fresh value rather than overwrite it.
		if c.shared.compareAndSwap(old, next) {
			return next, true
		}
	}
}

// step computes the period after one detent.
func (b Bounds) step(p uint32, d quadrature.Detent) uint32 {
	delta := p / b.Divisor
	if delta == 0 {
		delta = 1
	}
	switch d {
	case quadrature.ClockwiseDetent:
		if p <= b.Floor {
			return p
		}
		if delta >= p {
			return b.Floor
		}
		return b.Clamp(p - delta)
	case quadrature.CounterclockwiseDetent:
		if p >= b.Ceiling {
			return p
		}
		return b.Clamp(p + delta)
	default:
		return p
	}
}
