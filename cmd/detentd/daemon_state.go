package main

import (
	"time"

	"detentd/internal/encoder"
	"detentd/internal/quadrature"
	"detentd/internal/rate"
)

// DaemonState is the daemon-owned view of the system.
//
// It is a cache of what the encoder and blink contexts reported. The
// authoritative period lives in rate.Shared; the daemon never writes to it
// except through Commands.
type DaemonState struct {
	Bounds rate.Bounds
	TickHz int

	Period  PeriodState
	Blink   BlinkState
	Detents DetentState
	Encoder encoder.Stats

	Failures  uint64
	LastError string
}

type PeriodState struct {
	Ticks  uint32
	Known  bool
	Source string
	At     time.Time
}

type BlinkState struct {
	On      bool
	Toggles uint64
	At      time.Time
}

// DetentState counts detents seen by the daemon, from any source.
type DetentState struct {
	Clockwise uint64
	Counter   uint64
	Last      quadrature.Detent
	LastAt    time.Time
}

// NewDaemonState returns a state with the period unknown.
func NewDaemonState(bounds rate.Bounds, tickHz int) *DaemonState {
	return &DaemonState{Bounds: bounds, TickHz: tickHz}
}

// SetObservedPeriod is intended to be called only by the daemon goroutine.
func (s *DaemonState) SetObservedPeriod(ticks uint32, source string, now time.Time) {
	s.Period.Ticks = ticks
	s.Period.Known = true
	s.Period.Source = source
	s.Period.At = now
}

func (s *DaemonState) SetBlink(on bool, now time.Time) {
	s.Blink.Toggles++
	s.Blink.On = on
	s.Blink.At = now
}

func (s *DaemonState) RecordDetent(d quadrature.Detent, now time.Time) {
	switch d {
	case quadrature.ClockwiseDetent:
		s.Detents.Clockwise++
	case quadrature.CounterclockwiseDetent:
		s.Detents.Counter++
	default:
		return
	}
	s.Detents.Last = d
	s.Detents.LastAt = now
}

// PeriodMS converts a period in ticks to the LED half-cycle in milliseconds.
func (s *DaemonState) PeriodMS(ticks uint32) float64 {
	if s.TickHz <= 0 {
		return 0
	}
	return float64(ticks) * 1000 / float64(s.TickHz)
}

// StateSnapshot is the JSON view of DaemonState served over IPC and the
// state websocket.
type StateSnapshot struct {
	PeriodTicks uint32         `json:"period_ticks"`
	PeriodMS    float64        `json:"period_ms"`
	PeriodKnown bool           `json:"period_known"`
	Bounds      BoundsSnapshot `json:"bounds"`
	TickHz      int            `json:"tick_hz"`

	BlinkOn      bool   `json:"blink_on"`
	BlinkToggles uint64 `json:"blink_toggles"`

	DetentsCW  uint64 `json:"detents_cw"`
	DetentsCCW uint64 `json:"detents_ccw"`
	LastDetent string `json:"last_detent,omitempty"`

	Encoder encoder.Stats `json:"encoder"`

	CommandFailures uint64 `json:"command_failures"`
	LastError       string `json:"last_error,omitempty"`
}

type BoundsSnapshot struct {
	FloorTicks   uint32 `json:"floor_ticks"`
	CeilingTicks uint32 `json:"ceiling_ticks"`
	DefaultTicks uint32 `json:"default_ticks"`
	Divisor      uint32 `json:"divisor"`
}

// Snapshot copies the state into its JSON form.
func (s *DaemonState) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		PeriodTicks: s.Period.Ticks,
		PeriodMS:    s.PeriodMS(s.Period.Ticks),
		PeriodKnown: s.Period.Known,
		Bounds: BoundsSnapshot{
			FloorTicks:   s.Bounds.Floor,
			CeilingTicks: s.Bounds.Ceiling,
			DefaultTicks: s.Bounds.Default,
			Divisor:      s.Bounds.Divisor,
		},
		TickHz:          s.TickHz,
		BlinkOn:         s.Blink.On,
		BlinkToggles:    s.Blink.Toggles,
		DetentsCW:       s.Detents.Clockwise,
		DetentsCCW:      s.Detents.Counter,
		Encoder:         s.Encoder,
		CommandFailures: s.Failures,
		LastError:       s.LastError,
	}
	if s.Detents.Last != 0 {
		snap.LastDetent = s.Detents.Last.String()
	}
	return snap
}
