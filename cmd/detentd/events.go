package main

import (
	"encoding/json"
	"fmt"

	"detentd/internal/quadrature"
)

// ============================================================================
// Action Types
// ============================================================================
// Actions are requests from outside the encoder (IPC, console). They are
// reduced like any other Event; the reducer turns them into Commands.
// ============================================================================

// RotateAction performs one detent as if the knob had been turned.
type RotateAction struct {
	Direction quadrature.Detent `json:"direction"` // "cw" or "ccw"
}

func (RotateAction) eventMarker() {}

// SetPeriodAction sets the blink period directly. Out-of-range values are
// clamped into the configured bounds.
type SetPeriodAction struct {
	Ticks uint32 `json:"ticks"`
}

func (SetPeriodAction) eventMarker() {}

// EdgeAction drives the simulated lines to the given levels.
// Only meaningful with the sim backend.
type EdgeAction struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (EdgeAction) eventMarker() {}

// StatusQuery asks for a state snapshot. The IPC server turns it into a
// RequestStateSnapshot carrying a reply channel.
type StatusQuery struct{}

func (StatusQuery) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	eventTypeRotate    = "rotate"
	eventTypeSetPeriod = "set_period"
	eventTypeEdge      = "edge"
	eventTypeStatus    = "status"
)

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case eventTypeRotate:
		var a RotateAction
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal RotateAction: %w", err)
		}
		// A missing or null direction leaves the zero Detent behind.
		if a.Direction != quadrature.ClockwiseDetent && a.Direction != quadrature.CounterclockwiseDetent {
			return nil, fmt.Errorf("unmarshal RotateAction: direction must be \"cw\" or \"ccw\"")
		}
		return a, nil

	case eventTypeSetPeriod:
		var a SetPeriodAction
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetPeriodAction: %w", err)
		}
		if a.Ticks == 0 {
			return nil, fmt.Errorf("unmarshal SetPeriodAction: ticks must be > 0")
		}
		return a, nil

	case eventTypeEdge:
		var a EdgeAction
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal EdgeAction: %w", err)
		}
		if (a.A != 0 && a.A != 1) || (a.B != 0 && a.B != 1) {
			return nil, fmt.Errorf("unmarshal EdgeAction: levels must be 0 or 1")
		}
		return a, nil

	case eventTypeStatus:
		return StatusQuery{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case RotateAction:
		env.Type = eventTypeRotate
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal RotateAction: %w", err)
		}
		env.Data = data

	case SetPeriodAction:
		env.Type = eventTypeSetPeriod
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal SetPeriodAction: %w", err)
		}
		env.Data = data

	case EdgeAction:
		env.Type = eventTypeEdge
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal EdgeAction: %w", err)
		}
		env.Data = data

	case StatusQuery:
		env.Type = eventTypeStatus

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
