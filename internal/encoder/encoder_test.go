package encoder

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detentd/internal/quadrature"
	"detentd/internal/rate"
)

// scriptedSource returns samples from a queue and records clears.
type scriptedSource struct {
	mu       sync.Mutex
	samples  []quadrature.Sample
	readErr  error
	clearErr error
	clears   int
	inRead   atomic.Int32
	overlap  atomic.Bool
}

func (s *scriptedSource) Read() (quadrature.Sample, error) {
	if s.inRead.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inRead.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.samples) == 0 {
		return 0, nil
	}
	v := s.samples[0]
	s.samples = s.samples[1:]
	return v, nil
}

func (s *scriptedSource) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return s.clearErr
}

func newHandler(t *testing.T, src Source, opts Options) (*Handler, *rate.Shared) {
	t.Helper()
	shared, err := rate.NewShared(rate.DefaultBounds())
	require.NoError(t, err)
	return NewHandler(src, rate.NewController(shared), opts), shared
}

var cw = []quadrature.Sample{0b01, 0b11, 0b10, 0b00}

func TestHandler_DetentChangesPeriod(t *testing.T) {
	src := &scriptedSource{samples: append([]quadrature.Sample{}, cw...)}
	var got []quadrature.Detent
	h, shared := newHandler(t, src, Options{
		Observer: func(d quadrature.Detent, period uint32, changed bool) {
			got = append(got, d)
			assert.Equal(t, uint32(900), period)
			assert.True(t, changed)
		},
	})

	for range cw {
		h.OnEdge()
	}

	assert.Equal(t, []quadrature.Detent{quadrature.ClockwiseDetent}, got)
	assert.Equal(t, uint32(900), shared.Get())
	assert.Equal(t, 4, src.clears)

	st := h.Stats()
	assert.Equal(t, uint64(4), st.Edges)
	assert.Equal(t, uint64(1), st.Clockwise)
	assert.Zero(t, st.Counter)
	assert.Zero(t, st.Accumulator)
}

func TestHandler_ClearsOnReadError(t *testing.T) {
	src := &scriptedSource{readErr: errors.New("bus error")}
	h, shared := newHandler(t, src, Options{})

	h.OnEdge()
	h.OnEdge()

	assert.Equal(t, 2, src.clears)
	assert.Equal(t, uint64(2), h.Stats().ReadErrors)
	assert.Equal(t, uint32(rate.DefaultPeriod), shared.Get())
}

func TestHandler_ClearErrorCounted(t *testing.T) {
	src := &scriptedSource{clearErr: errors.New("ack failed")}
	h, _ := newHandler(t, src, Options{})
	h.OnEdge()
	assert.Equal(t, uint64(1), h.Stats().ClearErrors)
}

func TestHandler_InvertAndThreshold(t *testing.T) {
	src := &scriptedSource{samples: append([]quadrature.Sample{}, cw...)}
	h, shared := newHandler(t, src, Options{Invert: true, Threshold: 2})
	for range cw {
		h.OnEdge()
	}
	st := h.Stats()
	assert.Equal(t, uint64(2), st.Counter)
	// 1000 -> 1100 -> 1210
	assert.Equal(t, uint32(1210), shared.Get())
}

func TestHandler_Inject(t *testing.T) {
	src := &scriptedSource{}
	h, shared := newHandler(t, src, Options{})
	for _, s := range []quadrature.Sample{0b10, 0b11, 0b01, 0b00} {
		h.Inject(s)
	}
	assert.Equal(t, uint32(1100), shared.Get())
	assert.Equal(t, 4, src.clears)
	assert.Equal(t, uint64(1), h.Stats().Counter)
}

func TestHandler_SerializesConcurrentEdges(t *testing.T) {
	src := &scriptedSource{}
	for i := 0; i < 250; i++ {
		src.samples = append(src.samples, cw...)
	}
	h, shared := newHandler(t, src, Options{})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				h.OnEdge()
			}
		}()
	}
	wg.Wait()

	assert.False(t, src.overlap.Load(), "Read ran concurrently")
	st := h.Stats()
	assert.Equal(t, uint64(1000), st.Edges)
	assert.Equal(t, uint64(250), st.Clockwise)
	assert.Equal(t, uint32(rate.DefaultFloor), shared.Get())
}

func TestHandler_Reset(t *testing.T) {
	src := &scriptedSource{samples: []quadrature.Sample{0b01, 0b11}}
	h, _ := newHandler(t, src, Options{})
	h.OnEdge()
	h.OnEdge()
	require.Equal(t, -2, h.Stats().Accumulator)
	h.Reset()
	assert.Zero(t, h.Stats().Accumulator)
	assert.Equal(t, uint64(2), h.Stats().Edges)
}
