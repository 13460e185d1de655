package gpio

import (
	"context"
	"log/slog"
	"sync"

	"detentd/internal/quadrature"
)

// cwNext maps each line state to its successor in the clockwise Gray
// sequence 00 -> 01 -> 11 -> 10 -> 00.
var cwNext = [4]quadrature.Sample{0b01, 0b11, 0b00, 0b10}

// ccwNext is the inverse of cwNext.
var ccwNext = [4]quadrature.Sample{0b10, 0b00, 0b11, 0b01}

// Sim is an in-memory encoder. Changing its line levels delivers an edge to
// the watcher synchronously, so a Push has been fully handled when it returns.
type Sim struct {
	// pushMu keeps each level change and its edge delivery together.
	pushMu sync.Mutex

	mu     sync.Mutex
	state  quadrature.Sample
	onEdge func()
	clears uint64
	closed bool
	done   chan struct{}
}

// NewSim returns simulated lines resting at 00.
func NewSim() *Sim {
	return &Sim{done: make(chan struct{})}
}

func (s *Sim) Read() (quadrature.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.state, nil
}

func (s *Sim) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.clears++
	return nil
}

// Watch registers onEdge and blocks until ctx is canceled or Close.
func (s *Sim) Watch(ctx context.Context, onEdge func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.onEdge = onEdge
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.onEdge = nil
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Push drives both lines to sample and delivers the edge. Nothing changes if
// no watcher is registered or the levels are already at sample. It reports
// whether an edge was delivered.
func (s *Sim) Push(sample quadrature.Sample) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return s.push(sample & 0x03)
}

func (s *Sim) push(sample quadrature.Sample) bool {
	s.mu.Lock()
	// Without a watcher the levels stay put, so the decoder's history never
	// falls behind the lines.
	if s.closed || s.onEdge == nil || s.state == sample {
		s.mu.Unlock()
		return false
	}
	s.state = sample
	fn := s.onEdge
	s.mu.Unlock()

	fn()
	return true
}

// Rotate walks one full quadrature cycle in the given physical direction and
// returns the number of edges delivered.
func (s *Sim) Rotate(d quadrature.Detent) int {
	next := cwNext
	if d == quadrature.CounterclockwiseDetent {
		next = ccwNext
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	n := 0
	for i := 0; i < 4; i++ {
		s.mu.Lock()
		cur := s.state
		s.mu.Unlock()
		if s.push(next[cur]) {
			n++
		}
	}
	return n
}

// Bounce toggles line A n times, as a chattering contact would.
func (s *Sim) Bounce(n int) int {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	delivered := 0
	for i := 0; i < n; i++ {
		s.mu.Lock()
		cur := s.state
		s.mu.Unlock()
		if s.push(cur ^ 0x01) {
			delivered++
		}
	}
	return delivered
}

// State returns the current line levels.
func (s *Sim) State() quadrature.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Clears returns how many times the pending edge was acknowledged.
func (s *Sim) Clears() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// LogOutput is an output line that only logs, for running without hardware.
type LogOutput struct {
	logger *slog.Logger

	mu    sync.Mutex
	level int
	sets  uint64
}

func NewLogOutput(logger *slog.Logger) *LogOutput {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOutput{logger: logger}
}

func (o *LogOutput) Set(v int) error {
	o.mu.Lock()
	o.level = level(v)
	o.sets++
	o.mu.Unlock()
	o.logger.Debug("led", "level", level(v))
	return nil
}

// Level returns the last level written.
func (o *LogOutput) Level() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Sets returns the number of writes.
func (o *LogOutput) Sets() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sets
}

func (o *LogOutput) Close() error { return nil }
