package main

import (
	"time"

	"detentd/internal/encoder"
	"detentd/internal/quadrature"
)

// This file holds the reducer:
//
//   - Events: inputs (IPC actions, ticks, observations from the encoder and
//     blink contexts, command results)
//   - Commands: side effects requested by the reducer
//   - Broadcasts: state changes for websocket clients and MQTT
//   - Reduce(): computes next state, commands and broadcasts without I/O
//
// The encoder and blink contexts never wait on the reducer. They report what
// already happened as observations, and the daemon loop folds them in.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent wraps an event with the time the daemon loop received it.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Tick is emitted by the daemon loop every refresh interval.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// DetentObserved reports a detent that has already been applied to the
// rate controller, and the period it produced.
type DetentObserved struct {
	Direction   quadrature.Detent
	PeriodTicks uint32
	Changed     bool
	Source      string // "encoder" or "ipc"
	At          time.Time
}

func (DetentObserved) eventMarker() {}

// PeriodObserved reports the period read back from the shared cell.
type PeriodObserved struct {
	PeriodTicks uint32
	Source      string
	At          time.Time
}

func (PeriodObserved) eventMarker() {}

// BlinkToggled reports an LED level change from the blink context.
type BlinkToggled struct {
	On bool
	At time.Time
}

func (BlinkToggled) eventMarker() {}

// StatsObserved carries a snapshot of the edge handler counters.
type StatsObserved struct {
	Stats encoder.Stats
	At    time.Time
}

func (StatsObserved) eventMarker() {}

// RequestStateSnapshot asks the daemon for a coherent snapshot.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// CommandFailed is emitted when executing a Command fails.
type CommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (CommandFailed) eventMarker() {}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is a reducer-emitted notification for outside observers.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastPeriodChanged is emitted only when the known period changes.
type BroadcastPeriodChanged struct {
	PeriodTicks uint32
	PeriodMS    float64
	Source      string
}

func (BroadcastPeriodChanged) broadcastMarker() {}

// BroadcastDetent is emitted for every observed detent, including ones
// absorbed at a bound.
type BroadcastDetent struct {
	Direction   quadrature.Detent
	PeriodTicks uint32
	Changed     bool
	Source      string
}

func (BroadcastDetent) broadcastMarker() {}

// BroadcastBlink is emitted on every LED toggle.
type BroadcastBlink struct {
	On bool
}

func (BroadcastBlink) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// ReduceResult is the output of Reduce().
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer. It must not perform I/O or block; the daemon
// loop executes the returned Commands and feeds their results back in.
func Reduce(s *DaemonState, e Event) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}

	at := time.Time{}
	if te, ok := e.(TimedEvent); ok {
		e = te.Event
		at = te.At
	}

	var (
		cmds   []Command
		bcasts []StateBroadcast
	)

	switch ev := e.(type) {
	case Tick:
		cmds = append(cmds, CmdRefresh{})

	case RotateAction:
		cmds = append(cmds, CmdApplyDetent{Direction: ev.Direction, Source: sourceIPC})

	case SetPeriodAction:
		cmds = append(cmds, CmdSetPeriod{Ticks: ev.Ticks, Source: sourceIPC})

	case EdgeAction:
		cmds = append(cmds, CmdInjectSample{Sample: quadrature.NewSample(ev.A, ev.B)})

	case StatusQuery:
		// Answered through RequestStateSnapshot by the IPC server.

	case RequestStateSnapshot:
		cmds = append(cmds, CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})

	case DetentObserved:
		when := firstTime(ev.At, at)
		s.RecordDetent(ev.Direction, when)
		bcasts = append(bcasts, BroadcastDetent{
			Direction:   ev.Direction,
			PeriodTicks: ev.PeriodTicks,
			Changed:     ev.Changed,
			Source:      ev.Source,
		})
		if b, ok := s.observePeriod(ev.PeriodTicks, ev.Source, when); ok {
			bcasts = append(bcasts, b)
		}

	case PeriodObserved:
		if b, ok := s.observePeriod(ev.PeriodTicks, ev.Source, firstTime(ev.At, at)); ok {
			bcasts = append(bcasts, b)
		}

	case BlinkToggled:
		s.SetBlink(ev.On, firstTime(ev.At, at))
		bcasts = append(bcasts, BroadcastBlink{On: ev.On})

	case StatsObserved:
		s.Encoder = ev.Stats

	case CommandFailed:
		s.Failures++
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		}

	default:
		// Unknown event type: no-op.
	}

	return ReduceResult{
		State:      s,
		Commands:   cmds,
		Broadcasts: bcasts,
	}
}

// observePeriod records an observed period and returns a broadcast if the
// known value changed.
func (s *DaemonState) observePeriod(ticks uint32, source string, at time.Time) (StateBroadcast, bool) {
	prevKnown, prev := s.Period.Known, s.Period.Ticks
	s.SetObservedPeriod(ticks, source, at)
	if prevKnown && prev == ticks {
		return nil, false
	}
	return BroadcastPeriodChanged{
		PeriodTicks: ticks,
		PeriodMS:    s.PeriodMS(ticks),
		Source:      source,
	}, true
}

func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

const (
	sourceEncoder = "encoder"
	sourceIPC     = "ipc"
	sourceRefresh = "refresh"
)
