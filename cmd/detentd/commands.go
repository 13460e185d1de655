package main

import (
	"fmt"

	"detentd/internal/quadrature"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents a side effect to be executed by the daemon loop against
// the rate controller, the encoder handler or the simulated lines.
type Command interface {
	commandMarker()
	String() string
}

// CmdApplyDetent applies one detent to the rate controller.
type CmdApplyDetent struct {
	Direction quadrature.Detent
	Source    string
}

func (CmdApplyDetent) commandMarker() {}
func (c CmdApplyDetent) String() string {
	return fmt.Sprintf("CmdApplyDetent(direction=%s, source=%s)", c.Direction, c.Source)
}

// CmdSetPeriod stores a period directly, clamped into the bounds.
type CmdSetPeriod struct {
	Ticks  uint32
	Source string
}

func (CmdSetPeriod) commandMarker() {}
func (c CmdSetPeriod) String() string {
	return fmt.Sprintf("CmdSetPeriod(ticks=%d, source=%s)", c.Ticks, c.Source)
}

// CmdInjectSample drives the simulated lines to Sample.
type CmdInjectSample struct {
	Sample quadrature.Sample
}

func (CmdInjectSample) commandMarker() {}
func (c CmdInjectSample) String() string {
	return fmt.Sprintf("CmdInjectSample(sample=%s)", c.Sample)
}

// CmdRefresh re-reads the period and encoder stats.
type CmdRefresh struct{}

func (CmdRefresh) commandMarker() {}
func (CmdRefresh) String() string { return "CmdRefresh()" }

// CmdPublishStateSnapshot delivers a snapshot to a waiting requester.
// The reducer builds the snapshot; the effect only performs the send.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
