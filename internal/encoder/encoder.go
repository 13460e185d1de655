// Package encoder runs the edge handler: it samples both encoder lines,
// feeds the decoder, applies any detent to the rate controller and
// acknowledges the edge.
package encoder

import (
	"log/slog"
	"sync"

	"detentd/internal/quadrature"
	"detentd/internal/rate"
)

// Source is an edge-notifying pair of input lines.
type Source interface {
	// Read samples both lines at once.
	Read() (quadrature.Sample, error)
	// Clear acknowledges the pending edge on both lines.
	Clear() error
}

// Stats is a diagnostics snapshot of the handler.
type Stats struct {
	Edges       uint64            `json:"edges"`
	ReadErrors  uint64            `json:"read_errors"`
	ClearErrors uint64            `json:"clear_errors"`
	Clockwise   uint64            `json:"cw"`
	Counter     uint64            `json:"ccw"`
	Accumulator int               `json:"accumulator"`
	History     quadrature.Sample `json:"history"`
}

// Observer is called with each detent and the period it produced. It runs
// inside the handler's critical section and must not block.
type Observer func(d quadrature.Detent, period uint32, changed bool)

// Handler is the single consumer of edges from a Source.
type Handler struct {
	src     Source
	ctrl    *rate.Controller
	logger  *slog.Logger
	observe Observer

	mu      sync.Mutex
	decoder *quadrature.Decoder
	stats   Stats
}

// Options configures a Handler.
type Options struct {
	Threshold int  // quarter steps per detent, 0 = default
	Invert    bool // swap reported directions
	Observer  Observer
	Logger    *slog.Logger
}

// NewHandler wires src through a fresh decoder into ctrl.
func NewHandler(src Source, ctrl *rate.Controller, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := quadrature.NewDecoder(opts.Threshold)
	dec.Invert = opts.Invert
	return &Handler{
		src:     src,
		ctrl:    ctrl,
		logger:  logger,
		observe: opts.Observer,
		decoder: dec,
	}
}

// OnEdge handles one edge notification. It is safe to call from several
// goroutines; calls are serialized. The edge is always cleared before
// returning.
func (h *Handler) OnEdge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.clear()

	h.stats.Edges++
	sample, err := h.src.Read()
	if err != nil {
		h.stats.ReadErrors++
		h.logger.Debug("encoder read failed", "error", err)
		return
	}
	h.handleSample(sample)
}

// Inject feeds a sample obtained elsewhere, as if an edge had just been read.
// Used by sources that deliver the line levels with the event.
func (h *Handler) Inject(sample quadrature.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.clear()

	h.stats.Edges++
	h.handleSample(sample)
}

func (h *Handler) handleSample(sample quadrature.Sample) {
	det, ok := h.decoder.OnEdge(sample)
	if !ok {
		return
	}
	switch det {
	case quadrature.ClockwiseDetent:
		h.stats.Clockwise++
	case quadrature.CounterclockwiseDetent:
		h.stats.Counter++
	}
	period, changed := h.ctrl.Apply(det)
	h.logger.Debug("detent", "direction", det, "period_ticks", period, "changed", changed)
	if h.observe != nil {
		h.observe(det, period, changed)
	}
}

func (h *Handler) clear() {
	if err := h.src.Clear(); err != nil {
		h.stats.ClearErrors++
		h.logger.Debug("encoder clear failed", "error", err)
	}
}

// Stats returns a snapshot of the handler counters and decoder state.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Accumulator = h.decoder.Accumulator()
	s.History = h.decoder.History()
	return s
}

// Reset clears the decoder state. Counters are kept.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decoder.Reset()
}
