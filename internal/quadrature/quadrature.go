// Package quadrature decodes the two phase-offset lines of a mechanical rotary
// encoder into detents.
//
// Every edge on either line produces one Sample of both lines. The previous
// sample and the new one form a 4-bit TransitionIndex:
//
//	index = (history << 2) | sample
//
// where bit 0 of a sample is line A and bit 1 is line B. StepTable maps each
// index to -1, 0 or +1. Legal Gray-code transitions step by one; no-change and
// two-bit (impossible) transitions map to 0, so contact bounce is absorbed
// instead of reported.
package quadrature

import "fmt"

// DefaultThreshold is the number of quarter steps in one mechanical detent.
const DefaultThreshold = 4

// Sample is the level of both encoder lines: bit 0 is line A, bit 1 is line B.
type Sample uint8

// NewSample packs two line levels (0 or non-zero) into a Sample.
func NewSample(a, b int) Sample {
	var s Sample
	if a != 0 {
		s |= 0x01
	}
	if b != 0 {
		s |= 0x02
	}
	return s
}

// A returns the level of line A.
func (s Sample) A() int { return int(s & 0x01) }

// B returns the level of line B.
func (s Sample) B() int { return int(s>>1) & 0x01 }

func (s Sample) String() string {
	return fmt.Sprintf("%d%d", s.B(), s.A())
}

// StepTable maps a TransitionIndex to a signed quarter step.
var StepTable = [16]int8{
	0, -1, 1, 0,
	1, 0, 0, -1,
	-1, 0, 0, 1,
	0, 1, -1, 0,
}

// TransitionIndex combines the previous and current samples into a StepTable index.
func TransitionIndex(history, current Sample) uint8 {
	return uint8((history&0x03)<<2) | uint8(current&0x03)
}

// Step returns the quarter step for the transition from history to current.
func Step(history, current Sample) int8 {
	return StepTable[TransitionIndex(history, current)]
}

// Detent is one full mechanical click in a given direction.
type Detent int8

const (
	ClockwiseDetent        Detent = 1
	CounterclockwiseDetent Detent = -1
)

func (d Detent) String() string {
	switch d {
	case ClockwiseDetent:
		return "cw"
	case CounterclockwiseDetent:
		return "ccw"
	default:
		return "none"
	}
}

// ParseDetent accepts the String form plus a few long spellings.
func ParseDetent(s string) (Detent, error) {
	switch s {
	case "cw", "clockwise", "right", "+1", "1":
		return ClockwiseDetent, nil
	case "ccw", "counterclockwise", "anticlockwise", "left", "-1":
		return CounterclockwiseDetent, nil
	default:
		return 0, fmt.Errorf("invalid detent direction: %q (must be cw or ccw)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Detent) MarshalText() ([]byte, error) {
	if d != ClockwiseDetent && d != CounterclockwiseDetent {
		return nil, fmt.Errorf("invalid detent value %d", int8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Detent) UnmarshalText(b []byte) error {
	v, err := ParseDetent(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Decoder accumulates quarter steps into detents.
//
// A Decoder is owned by a single edge handler and is not safe for concurrent
// use; callers that need to observe it from elsewhere must hold the handler's
// lock.
type Decoder struct {
	// Invert swaps the reported direction, for encoders wired B-before-A.
	Invert bool

	threshold   int
	history     Sample
	accumulator int
}

// NewDecoder returns a Decoder firing a detent every threshold quarter steps.
// A threshold <= 0 selects DefaultThreshold.
func NewDecoder(threshold int) *Decoder {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Decoder{threshold: threshold}
}

// OnEdge feeds one fresh sample of both lines into the decoder.
//
// The A-leads-B sequence 00 -> 01 -> 11 -> 10 steps negative through
// StepTable and is reported as clockwise.
func (d *Decoder) OnEdge(current Sample) (Detent, bool) {
	step := Step(d.history, current)
	d.history = current & 0x03
	d.accumulator += int(step)

	// With unit steps the accumulator lands exactly on the threshold; the range
	// check keeps that true should StepTable ever carry larger steps.
	var det Detent
	switch {
	case d.accumulator <= -d.threshold:
		det = ClockwiseDetent
	case d.accumulator >= d.threshold:
		det = CounterclockwiseDetent
	default:
		return 0, false
	}
	d.accumulator = 0
	if d.Invert {
		det = -det
	}
	return det, true
}

// Accumulator returns the current sub-detent progress.
func (d *Decoder) Accumulator() int { return d.accumulator }

// History returns the last sample seen.
func (d *Decoder) History() Sample { return d.history }

// Threshold returns the detent threshold in quarter steps.
func (d *Decoder) Threshold() int { return d.threshold }

// Reset returns the decoder to its startup state.
func (d *Decoder) Reset() {
	d.history = 0
	d.accumulator = 0
}
