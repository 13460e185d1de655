package main

import (
	"context"
	"log/slog"
	"time"
)

// runDaemon is the central loop. It:
//   - receives Events from the encoder, blink, IPC and console contexts
//   - emits a Tick every refreshInterval
//   - reduces events into (state, commands, broadcasts)
//   - executes commands and feeds their observations back into the reducer
//   - fans broadcasts out to sinks without blocking
//
// It exits when ctx is canceled or events is closed.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	fx *effectRunner,
	state *DaemonState,
	refreshInterval time.Duration,
	sinks []chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if refreshInterval <= 0 {
		refreshInterval = time.Second
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bcasts []StateBroadcast) {
		for _, b := range bcasts {
			for _, sink := range sinks {
				select {
				case sink <- b:
				default:
					logger.Debug("broadcast sink full; dropping", "broadcast", b)
				}
			}
		}
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			fx.run(cmd, enqueueEvent)
			flushEvents()
		}
	}

	// Seed the period so the first snapshot is complete.
	enqueueEvent(Tick{Now: time.Now()})
	flushEvents()
	flushCommands()

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			flushEvents()
			flushCommands()

		case now := <-ticker.C:
			enqueueEvent(Tick{Now: now})
			flushEvents()
			flushCommands()
		}
	}
}

// trySend delivers ev without blocking. Used from the encoder and blink
// contexts, which must never wait on the daemon loop.
func trySend(events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}
