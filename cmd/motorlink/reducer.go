package main

import (
	"fmt"
	"time"
)

// This file implements the reducer-style architecture building blocks:
//
//   - Events: inputs to the reducer (host actions, serial observations, write failures)
//   - Commands: side effects requested by the reducer (serial writes, snapshot replies)
//   - Broadcasts: state changes to publish to WS/MQTT clients
//   - Reduce(): computes next state + commands + broadcasts, without performing I/O
//
// The daemon loop is responsible for executing Commands and feeding observations back as Events.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
// It can be a host Action, or an observation/error from the serial transport.
type Event interface {
	eventMarker()
}

// TimedEvent attaches the daemon's receive time to an Action.
type TimedEvent struct {
	Event Action
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// SerialWriteObserved is emitted after a command's bytes were fully written.
type SerialWriteObserved struct {
	Command Command
	Bytes   int
	At      time.Time
}

func (SerialWriteObserved) eventMarker() {}

// SerialWriteFailed is emitted when executing a Command fails.
type SerialWriteFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (SerialWriteFailed) eventMarker() {}

// SerialConnectionChanged is emitted when the port is opened or lost.
type SerialConnectionChanged struct {
	Connected bool
	Device    string
	Err       error
	At        time.Time
}

func (SerialConnectionChanged) eventMarker() {}

// DevicePositionObserved is a parsed "Pos:"/"FreePos:" telemetry line.
type DevicePositionObserved struct {
	Position int64
	Free     bool
	At       time.Time
}

func (DevicePositionObserved) eventMarker() {}

// DeviceLogObserved is any other line printed by the controller.
type DeviceLogObserved struct {
	Line string
	At   time.Time
}

func (DeviceLogObserved) eventMarker() {}

// RequestStateSnapshot asks the reducer for a StateSnapshot delivered on Reply.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is a reducer-emitted change for external clients.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastHostState struct {
	ModeFlags map[string]float64
	Frame     int
	Playing   bool
	Lifecycle string
	At        time.Time
}

func (BroadcastHostState) broadcastMarker() {}

type BroadcastDevicePosition struct {
	Position int64
	Valid    bool
	Mode     DeviceMode
	At       time.Time
}

func (BroadcastDevicePosition) broadcastMarker() {}

type BroadcastSerialStatus struct {
	Connected bool
	Sent      int
	Failed    int
	Dropped   int
	LastError string
	At        time.Time
}

func (BroadcastSerialStatus) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// ReduceConfig is the reducer's policy knobs.
type ReduceConfig struct {
	// ChannelPriority orders channels within one FrameSampled.
	ChannelPriority []string

	// BulkTriggerChannel frames the stored data buffer on its rising edge. Empty disables.
	BulkTriggerChannel string
}

// Drop records an observation that was skipped without writing anything.
type Drop struct {
	Reason string
	Err    error
}

// ReduceResult is the output of Reduce(): next state plus Commands, Broadcasts and Drops.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
	Drops      []Drop
}

func (r *ReduceResult) command(c Command) {
	r.Commands = append(r.Commands, c)
}

func (r *ReduceResult) broadcast(b StateBroadcast) {
	r.Broadcasts = append(r.Broadcasts, b)
}

func (r *ReduceResult) drop(s *DaemonState, reason string, err error) {
	s.recordDrop(fmt.Sprintf("%s: %v", reason, err))
	r.Drops = append(r.Drops, Drop{Reason: reason, Err: err})
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not mutate anything outside the returned state
func Reduce(s *DaemonState, e Event, cfg ReduceConfig) ReduceResult {
	if s == nil {
		s = newDaemonState()
	}
	s.ensure()

	rr := ReduceResult{State: s}

	switch ev := e.(type) {
	case TimedEvent:
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		reduceAction(s, ev.Event, at, cfg, &rr)

	case SerialWriteObserved:
		s.Serial.Sent++
		s.Serial.BytesWritten += int64(ev.Bytes)
		s.Serial.LastCommand = ev.Command.String()
		if mode, ok := deviceModeAfter(ev.Command); ok && mode != s.Device.Mode {
			s.Device.Mode = mode
			rr.broadcast(devicePositionBroadcast(s, ev.At))
		}

	case SerialWriteFailed:
		s.Serial.Failed++
		if ev.Err != nil {
			s.Serial.LastError = ev.Err.Error()
		}
		s.Serial.LastErrorAt = ev.At
		rr.broadcast(serialStatusBroadcast(s, ev.At))

	case SerialConnectionChanged:
		changed := s.Serial.Connected != ev.Connected
		s.Serial.Connected = ev.Connected
		if ev.Device != "" {
			s.Serial.Device = ev.Device
		}
		if ev.Err != nil {
			s.Serial.LastError = ev.Err.Error()
			s.Serial.LastErrorAt = ev.At
		}
		if !ev.Connected {
			// Whatever the controller was doing, we can no longer see it.
			s.Device.PositionKnown = false
		}
		if changed {
			rr.broadcast(serialStatusBroadcast(s, ev.At))
		}

	case DevicePositionObserved:
		mode := DeviceModeLocked
		if ev.Free {
			mode = DeviceModeFree
		}
		valid := ev.Position != devicePosInvalid
		changed := !s.Device.PositionKnown ||
			s.Device.Position != ev.Position ||
			s.Device.PositionValid != valid ||
			s.Device.Mode != mode

		s.Device.Mode = mode
		s.Device.Position = ev.Position
		s.Device.PositionKnown = true
		s.Device.PositionValid = valid
		s.Device.PositionAt = ev.At

		if changed {
			rr.broadcast(devicePositionBroadcast(s, ev.At))
		}

	case DeviceLogObserved:
		s.Device.LastLog = ev.Line

	case RequestStateSnapshot:
		rr.command(CmdPublishStateSnapshot{Snapshot: s.Snapshot(time.Now()), Reply: ev.Reply})

	default:
		// Unknown event type: no-op.
	}

	return rr
}

// reduceAction handles the host event interface.
func reduceAction(s *DaemonState, a Action, at time.Time, cfg ReduceConfig, rr *ReduceResult) {
	switch a := a.(type) {
	case ChannelChanged:
		s.observeChannel(a.Channel, a.Value, at)
		applyChannel(s, a.Channel, a.Prev, a.Value, cfg, rr)

	case ChannelSampled:
		prev := s.previousValue(a.Channel)
		s.observeChannel(a.Channel, a.Value, at)
		applyChannel(s, a.Channel, prev, a.Value, cfg, rr)

	case FrameSampled:
		s.Host.Frame = a.Frame
		for _, cv := range orderChannels(a.Channels, cfg.ChannelPriority) {
			prev := s.previousValue(cv.Channel)
			s.observeChannel(cv.Channel, cv.Value, at)
			applyChannel(s, cv.Channel, prev, cv.Value, cfg, rr)
		}

	case DataBufferUpdated:
		s.Data.Samples = append(s.Data.Samples[:0], a.Samples...)
		s.Data.At = at

	case BulkSend:
		samples := a.Samples
		if len(samples) == 0 {
			samples = s.Data.Samples
		}
		sendBulk(s, samples, rr)

	case FrameStart:
		s.Host.Frame = a.Frame
	case FrameEnd:
		s.Host.Frame = a.Frame

	case PlayStateChanged:
		if s.Host.Playing != a.Playing {
			s.Host.Playing = a.Playing
			rr.broadcast(hostStateBroadcast(s, at))
		}

	case ProjectStart:
		s.resetHost("start", at)
		s.Host.PerformPulses++
		rr.broadcast(hostStateBroadcast(s, at))

	case ProjectExit:
		s.resetHost("exit", at)
		rr.broadcast(hostStateBroadcast(s, at))

	case ProjectPreSave:
		s.Host.LastLifecycle, s.Host.LastLifecycleAt = "pre_save", at
	case ProjectPostSave:
		s.Host.LastLifecycle, s.Host.LastLifecycleAt = "post_save", at
	case DeviceChange:
		s.Host.LastLifecycle, s.Host.LastLifecycleAt = "device_change", at

	case DeviceHome:
		rr.command(CmdHome{})

	default:
		// no-op
	}
}

// applyChannel runs the edge encoder, the bulk trigger and the level encoder for one
// channel observation, in that order.
func applyChannel(s *DaemonState, channel string, prev, value float64, cfg ReduceConfig, rr *ReduceResult) {
	t := classifyTransition(prev, value)

	if cmd, ok := edgeCommand(channel, t); ok {
		rr.command(cmd)
	}

	if cfg.BulkTriggerChannel != "" && channel == cfg.BulkTriggerChannel && t == TransitionRising {
		sendBulk(s, s.Data.Samples, rr)
	}

	if value == prev {
		return
	}
	cmd, err := levelCommand(channel, value)
	if err != nil {
		rr.drop(s, "position", err)
		return
	}
	if cmd != nil {
		rr.command(cmd)
	}
}

func sendBulk(s *DaemonState, samples []float64, rr *ReduceResult) {
	cmd, err := frameBulk(samples)
	if err != nil {
		rr.drop(s, "bulk", err)
		return
	}
	rr.command(cmd)
}

// deviceModeAfter returns the controller mode a successfully written command puts it in.
func deviceModeAfter(c Command) (DeviceMode, bool) {
	switch c.(type) {
	case CmdFreeMode:
		return DeviceModeFree, true
	case CmdLock:
		return DeviceModeLocked, true
	case CmdCalibrate:
		return DeviceModeCalibrating, true
	case CmdHome:
		return DeviceModeHoming, true
	}
	return "", false
}

func hostStateBroadcast(s *DaemonState, at time.Time) BroadcastHostState {
	flags := make(map[string]float64, len(s.Host.ModeFlags))
	for k, v := range s.Host.ModeFlags {
		flags[k] = v
	}
	return BroadcastHostState{
		ModeFlags: flags,
		Frame:     s.Host.Frame,
		Playing:   s.Host.Playing,
		Lifecycle: s.Host.LastLifecycle,
		At:        at,
	}
}

func devicePositionBroadcast(s *DaemonState, at time.Time) BroadcastDevicePosition {
	return BroadcastDevicePosition{
		Position: s.Device.Position,
		Valid:    s.Device.PositionKnown && s.Device.PositionValid,
		Mode:     s.Device.Mode,
		At:       at,
	}
}

func serialStatusBroadcast(s *DaemonState, at time.Time) BroadcastSerialStatus {
	return BroadcastSerialStatus{
		Connected: s.Serial.Connected,
		Sent:      s.Serial.Sent,
		Failed:    s.Serial.Failed,
		Dropped:   s.Serial.Dropped,
		LastError: s.Serial.LastError,
		At:        at,
	}
}
