package main

import (
	"fmt"
	"strconv"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
// In this codebase, those are primarily serial writes to the motor controller.
type Command interface {
	commandMarker()
	String() string
}

// SerialCommand is a Command that is executed by writing its wire bytes to the controller.
type SerialCommand interface {
	Command
	Wire() []byte
}

// LineCommand is a SerialCommand sent as text plus the line terminator.
type LineCommand interface {
	SerialCommand
	Text() string
}

// CmdFreeMode releases the motor (encoder mode, output off).
type CmdFreeMode struct{}

func (CmdFreeMode) commandMarker() {}
func (CmdFreeMode) String() string { return "CmdFreeMode()" }
func (CmdFreeMode) Text() string   { return string(cmdFreeMode) }
func (c CmdFreeMode) Wire() []byte { return encodeLine(c.Text()) }

// CmdLock returns the motor to position control, holding its current position.
type CmdLock struct{}

func (CmdLock) commandMarker() {}
func (CmdLock) String() string { return "CmdLock()" }
func (CmdLock) Text() string   { return string(cmdLock) }
func (c CmdLock) Wire() []byte { return encodeLine(c.Text()) }

// CmdCalibrate starts the encoder calibration routine.
type CmdCalibrate struct{}

func (CmdCalibrate) commandMarker() {}
func (CmdCalibrate) String() string { return "CmdCalibrate()" }
func (CmdCalibrate) Text() string   { return string(cmdCalibrate) }
func (c CmdCalibrate) Wire() []byte { return encodeLine(c.Text()) }

// CmdHome runs the end-stop homing routine.
type CmdHome struct{}

func (CmdHome) commandMarker() {}
func (CmdHome) String() string { return "CmdHome()" }
func (CmdHome) Text() string   { return string(cmdHome) }
func (c CmdHome) Wire() []byte { return encodeLine(c.Text()) }

// CmdSetPosition sets the target position in encoder counts.
type CmdSetPosition struct {
	Position int64
}

func (CmdSetPosition) commandMarker() {}
func (c CmdSetPosition) String() string {
	return fmt.Sprintf("CmdSetPosition(position=%d)", c.Position)
}
func (c CmdSetPosition) Text() string {
	return string(cmdPosition) + strconv.FormatInt(c.Position, 10)
}
func (c CmdSetPosition) Wire() []byte { return encodeLine(c.Text()) }

// CmdSendBulk writes a bulk data frame (header + raw sample bytes).
type CmdSendBulk struct {
	Data [bulkSampleCount]byte
}

func (CmdSendBulk) commandMarker() {}
func (c CmdSendBulk) String() string {
	return fmt.Sprintf("CmdSendBulk(bytes=%d)", bulkFrameLen)
}
func (c CmdSendBulk) Wire() []byte { return encodeBulk(c.Data) }

// CmdPublishStateSnapshot delivers a reducer-built snapshot to a requester.
// It never touches the serial port.
type CmdPublishStateSnapshot struct {
	Snapshot StateSnapshot
	Reply    chan<- StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
