package rate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detentd/internal/quadrature"
)

func newTestController(t *testing.T) (*Shared, *Controller) {
	t.Helper()
	s, err := NewShared(DefaultBounds())
	require.NoError(t, err)
	return s, NewController(s)
}

func TestBounds_Validate(t *testing.T) {
	require.NoError(t, DefaultBounds().Validate())

	b := DefaultBounds()
	b.Floor = 0
	assert.Error(t, b.Validate())

	b = DefaultBounds()
	b.Floor, b.Ceiling = 500, 100
	assert.Error(t, b.Validate())

	b = DefaultBounds()
	b.Default = 5000
	assert.Error(t, b.Validate())

	b = DefaultBounds()
	b.Divisor = 0
	assert.Error(t, b.Validate())

	_, err := NewShared(Bounds{})
	assert.Error(t, err)
}

func TestShared_StartsAtDefault(t *testing.T) {
	s, _ := newTestController(t)
	assert.Equal(t, uint32(1000), s.Get())
}

func TestShared_SetClamps(t *testing.T) {
	s, _ := newTestController(t)
	assert.Equal(t, uint32(10), s.Set(0))
	assert.Equal(t, uint32(10), s.Get())
	assert.Equal(t, uint32(3000), s.Set(1_000_000))
	assert.Equal(t, uint32(3000), s.Get())
	assert.Equal(t, uint32(42), s.Set(42))
}

func TestController_ReferenceScenario(t *testing.T) {
	s, c := newTestController(t)

	p, changed := c.Apply(quadrature.ClockwiseDetent)
	assert.True(t, changed)
	assert.Equal(t, uint32(900), p)

	p, _ = c.Apply(quadrature.ClockwiseDetent)
	assert.Equal(t, uint32(810), p)

	p, _ = c.Apply(quadrature.CounterclockwiseDetent)
	assert.Equal(t, uint32(891), p)
	assert.Equal(t, uint32(891), s.Get())
}

func TestController_ClockwiseMonotonicToFloor(t *testing.T) {
	s, c := newTestController(t)
	prev := s.Get()
	for i := 0; prev > DefaultFloor; i++ {
		require.Less(t, i, 1000, "floor never reached")
		p, changed := c.Apply(quadrature.ClockwiseDetent)
		require.True(t, changed)
		require.Less(t, p, prev)
		prev = p
	}
	assert.Equal(t, uint32(DefaultFloor), prev)
}

func TestController_CounterclockwiseMonotonicToCeiling(t *testing.T) {
	s, c := newTestController(t)
	prev := s.Get()
	for i := 0; prev < DefaultCeiling; i++ {
		require.Less(t, i, 1000, "ceiling never reached")
		p, changed := c.Apply(quadrature.CounterclockwiseDetent)
		require.True(t, changed)
		require.Greater(t, p, prev)
		require.LessOrEqual(t, p, uint32(DefaultCeiling))
		prev = p
	}
	assert.Equal(t, uint32(DefaultCeiling), prev)
}

func TestController_SaturationIsIdempotent(t *testing.T) {
	s, c := newTestController(t)

	s.Set(DefaultFloor)
	for i := 0; i < 100; i++ {
		p, changed := c.Apply(quadrature.ClockwiseDetent)
		require.False(t, changed)
		require.Equal(t, uint32(DefaultFloor), p)
	}

	s.Set(DefaultCeiling)
	for i := 0; i < 100; i++ {
		p, changed := c.Apply(quadrature.CounterclockwiseDetent)
		require.False(t, changed)
		require.Equal(t, uint32(DefaultCeiling), p)
	}
}

func TestController_NearCeilingClamps(t *testing.T) {
	s, c := newTestController(t)
	s.Set(2999)
	p, changed := c.Apply(quadrature.CounterclockwiseDetent)
	assert.True(t, changed)
	assert.Equal(t, uint32(DefaultCeiling), p)
}

func TestController_NearFloor(t *testing.T) {
	s, c := newTestController(t)
	s.Set(11)
	p, _ := c.Apply(quadrature.ClockwiseDetent)
	assert.Equal(t, uint32(10), p)
}

func TestController_SmallDivisorResult(t *testing.T) {
	// With a floor below the divisor, period/divisor can be zero; a detent
	// still moves the period by one tick.
	s, err := NewShared(Bounds{Floor: 1, Ceiling: 100, Default: 5, Divisor: 10})
	require.NoError(t, err)
	c := NewController(s)

	p, changed := c.Apply(quadrature.ClockwiseDetent)
	assert.True(t, changed)
	assert.Equal(t, uint32(4), p)

	p, _ = c.Apply(quadrature.CounterclockwiseDetent)
	assert.Equal(t, uint32(5), p)
}

func TestController_UnknownDetentIsNoop(t *testing.T) {
	s, c := newTestController(t)
	p, changed := c.Apply(quadrature.Detent(0))
	assert.False(t, changed)
	assert.Equal(t, s.Get(), p)
}

// TestShared_NoTornReads hammers the cell from a writer and several readers.
// Every value a reader observes must be one of the values written.
func TestShared_NoTornReads(t *testing.T) {
	s, err := NewShared(Bounds{Floor: 1, Ceiling: 0xffffffff, Default: 0x0000ffff, Divisor: 10})
	require.NoError(t, err)

	// Bit patterns that would produce a recognisably different value if the
	// halves of two writes were ever mixed.
	written := []uint32{0x0000ffff, 0xffff0000, 0x00ff00ff, 0xff00ff00, 0x0f0f0f0f}
	valid := make(map[uint32]bool, len(written))
	for _, v := range written {
		valid[v] = true
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	var bad atomic.Uint32
	var badValue atomic.Uint32

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				v := s.Get()
				if !valid[v] {
					bad.Add(1)
					badValue.Store(v)
				}
			}
		}()
	}

	for i := 0; i < 200000; i++ {
		s.Set(written[i%len(written)])
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load(), "observed torn value %#x", badValue.Load())
}

// TestController_ConcurrentApplyAndSet checks that concurrent writers never
// push the period out of bounds.
func TestController_ConcurrentApplyAndSet(t *testing.T) {
	s, c := newTestController(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5000; i++ {
				switch (i + w) % 3 {
				case 0:
					c.Apply(quadrature.ClockwiseDetent)
				case 1:
					c.Apply(quadrature.CounterclockwiseDetent)
				default:
					s.Set(uint32(i))
				}
				p := s.Get()
				if p < DefaultFloor || p > DefaultCeiling {
					t.Errorf("period %d out of bounds", p)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}
