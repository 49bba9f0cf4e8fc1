package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only place that executes side effects (serial writes).
//   - Write outcomes are turned into Events and fed back into the reducer.
//   - Commands of one event are written in the order the reducer emitted them,
//     before the next event is reduced.
//
// ============================================================================

// runDaemon is the main daemon loop that:
//   - Receives host Actions (IPC, WS, MQTT) on events
//   - Receives transport observations (connection changes, telemetry) on observations
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands against the motor or bulk transport and feeds outcomes back
//   - Forwards broadcasts to broadcasts without blocking
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	observations <-chan Event,
	transports Transports,
	cfg ReduceConfig,
	state *DaemonState,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}

	publish := func(bs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				logger.Warn("broadcast queue full, dropping state broadcast")
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			for _, d := range rr.Drops {
				logger.Debug("observation dropped", "reason", d.Reason, "error", d.Err)
			}
			enqueueCommands(rr.Commands)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, enqueuing observation events.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(transports, cmd, logger, func(obs Event) {
				enqueueEvent(obs)
			})

			flushEvents()
		}
	}

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
			enqueueEvent(wrapIncoming(ev))
			flushEvents()
			flushCommands()

		case obs, ok := <-observations:
			if !ok {
				// Transport reader is gone; keep serving host events.
				observations = nil
				continue
			}
			enqueueEvent(obs)
			flushEvents()
			flushCommands()
		}
	}
}

// wrapIncoming timestamps host actions. Snapshot requests and already-timed events
// pass through unchanged.
func wrapIncoming(ev Event) Event {
	switch ev.(type) {
	case RequestStateSnapshot, TimedEvent:
		return ev
	default:
		return TimedEvent{Event: ev, At: time.Now()}
	}
}
