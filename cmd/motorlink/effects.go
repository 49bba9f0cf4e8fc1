package main

import (
	"errors"
	"log/slog"
	"time"
)

var (
	errNoTransport     = errors.New("no serial transport")
	errNoBulkTransport = errors.New("no bulk data port configured")
)

// Transports routes serial commands. Motor carries the controller's line commands;
// Bulk carries S frames, which the motor firmware cannot parse. Bulk is the same
// transport as Motor only when both are configured to the same device.
type Transports struct {
	Motor SerialTransport
	Bulk  SerialTransport
}

// route returns the transport for cmd and the error to report when it is missing.
func (t Transports) route(cmd SerialCommand) (SerialTransport, error) {
	if _, ok := cmd.(CmdSendBulk); ok {
		return t.Bulk, errNoBulkTransport
	}
	return t.Motor, errNoTransport
}

// runEffect executes a single reducer-emitted Command against its serial transport
// and reports the outcome via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - A failed write is reported and logged, never retried here. The next command goes
//   out regardless.
func runEffect(
	transports Transports,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	now := time.Now()

	switch c := cmd.(type) {
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

	case SerialCommand:
		transport, missing := transports.route(c)
		if transport == nil {
			logger.Error("serial write skipped", "command", cmd.String(), "error", missing)
			onEvent(SerialWriteFailed{Command: cmd, Err: missing, At: now})
			return
		}

		var res SendResult
		if lc, ok := c.(LineCommand); ok {
			res = transport.Send(lc.Text(), lineTerminator)
		} else {
			res = transport.SendBytes(c.Wire())
		}

		if !res.OK() {
			logger.Error("serial write failed", "command", cmd.String(), "bytes", res.Bytes, "error", res.Err)
			onEvent(SerialWriteFailed{Command: cmd, Err: res.Err, At: now})
			return
		}
		logger.Debug("serial write", "command", cmd.String(), "bytes", res.Bytes)
		onEvent(SerialWriteObserved{Command: cmd, Bytes: res.Bytes, At: now})

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(SerialWriteFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      now,
		})
	}
}

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
