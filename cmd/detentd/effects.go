package main

import (
	"errors"
	"log/slog"
	"time"

	"detentd/internal/encoder"
	"detentd/internal/gpio"
	"detentd/internal/rate"
)

var (
	errNoSim        = errors.New("edge injection needs the sim backend")
	errNoController = errors.New("no rate controller")
)

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }

// effectRunner executes reducer-emitted Commands. It is the only place the
// daemon loop touches the rate controller, the edge handler and the sim.
type effectRunner struct {
	ctrl    *rate.Controller
	handler *encoder.Handler // may be nil in tests
	sim     *gpio.Sim        // nil unless backend is sim
	logger  *slog.Logger
}

// run executes cmd and reports results via onEvent. It never calls Reduce.
func (fx *effectRunner) run(cmd Command, onEvent func(Event)) {
	if onEvent == nil {
		return
	}
	logger := fx.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()

	switch c := cmd.(type) {
	case CmdApplyDetent:
		if fx.ctrl == nil {
			onEvent(CommandFailed{Command: cmd, Err: errNoController, At: now})
			return
		}
		period, changed := fx.ctrl.Apply(c.Direction)
		logger.Debug("detent applied", "direction", c.Direction, "period_ticks", period, "changed", changed, "source", c.Source)
		onEvent(DetentObserved{
			Direction:   c.Direction,
			PeriodTicks: period,
			Changed:     changed,
			Source:      c.Source,
			At:          now,
		})

	case CmdSetPeriod:
		if fx.ctrl == nil {
			onEvent(CommandFailed{Command: cmd, Err: errNoController, At: now})
			return
		}
		stored := fx.ctrl.Shared().Set(c.Ticks)
		if stored != c.Ticks {
			logger.Info("period clamped", "requested", c.Ticks, "stored", stored)
		}
		onEvent(PeriodObserved{PeriodTicks: stored, Source: c.Source, At: now})

	case CmdInjectSample:
		if fx.sim == nil {
			logger.Warn("edge injection rejected", "error", errNoSim)
			onEvent(CommandFailed{Command: cmd, Err: errNoSim, At: now})
			return
		}
		// The handler runs synchronously inside Push; any detent is reported
		// through its observer.
		delivered := fx.sim.Push(c.Sample)
		logger.Debug("sample injected", "sample", c.Sample, "edge", delivered)

	case CmdRefresh:
		if fx.ctrl != nil {
			onEvent(PeriodObserved{PeriodTicks: fx.ctrl.Shared().Get(), Source: sourceRefresh, At: now})
		}
		if fx.handler != nil {
			onEvent(StatsObserved{Stats: fx.handler.Stats(), At: now})
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}
		// Never block the daemon loop on a slow requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(CommandFailed{Command: cmd, Err: errUnknownCommand{cmd: cmd}, At: now})
	}
}
