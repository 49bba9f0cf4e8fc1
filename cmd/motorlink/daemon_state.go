package main

import "time"

// DaemonState is the top-level, daemon-owned state container.
//
// Only the daemon goroutine touches it. Other goroutines (HTTP, WS, ctl) get copies via
// RequestStateSnapshot, which goes through the reducer like everything else.
type DaemonState struct {
	// Channels remembers the last sample per control channel so raw samples can be
	// turned into transitions.
	Channels map[string]ChannelState

	// Data is the bulk data buffer (the host's pixel/sample source).
	Data DataBufferState

	// Host mirrors the host-side operator/timeline state this daemon is responsible for.
	Host HostState

	// Device is what the controller reported over its telemetry lines.
	Device DeviceState

	// Serial holds transport counters and connection status.
	Serial SerialState
}

type ChannelState struct {
	Value float64
	At    time.Time
}

type DataBufferState struct {
	Samples []float64
	At      time.Time
}

// HostState is the operator/timeline state reset by the lifecycle hooks.
type HostState struct {
	// ModeFlags holds the mode-indicator operator values (mode, mode1, mode2).
	ModeFlags map[string]float64

	Frame   int
	Playing bool

	// PerformPulses counts performance-mode pulses requested at project start.
	PerformPulses int

	LastLifecycle   string
	LastLifecycleAt time.Time
}

// DeviceMode is the controller's control mode as far as we know it.
type DeviceMode string

const (
	DeviceModeUnknown     DeviceMode = "unknown"
	DeviceModeFree        DeviceMode = "free"
	DeviceModeLocked      DeviceMode = "locked"
	DeviceModeCalibrating DeviceMode = "calibrating"
	DeviceModeHoming      DeviceMode = "homing"
)

type DeviceState struct {
	Mode DeviceMode

	Position      int64
	PositionKnown bool
	PositionValid bool // false while the roller reports its error readback
	PositionAt    time.Time

	LastLog string
}

type SerialState struct {
	Connected bool
	Device    string

	Sent         int
	Failed       int
	Dropped      int
	BytesWritten int64

	LastCommand string
	LastError   string
	LastErrorAt time.Time
	LastDrop    string
}

// newDaemonState returns a state with maps allocated and the device mode unknown.
func newDaemonState() *DaemonState {
	s := &DaemonState{}
	s.ensure()
	return s
}

func (s *DaemonState) ensure() {
	if s.Channels == nil {
		s.Channels = make(map[string]ChannelState)
	}
	if s.Host.ModeFlags == nil {
		s.Host.ModeFlags = make(map[string]float64, len(modeFlagNames))
	}
	if s.Device.Mode == "" {
		s.Device.Mode = DeviceModeUnknown
	}
}

// resetHost forces the mode flags to 1 and rewinds/pauses the timeline.
// Calling it repeatedly always yields the same state.
func (s *DaemonState) resetHost(kind string, now time.Time) {
	for _, name := range modeFlagNames {
		s.Host.ModeFlags[name] = 1
	}
	s.Host.Frame = 0
	s.Host.Playing = false
	s.Host.LastLifecycle = kind
	s.Host.LastLifecycleAt = now
}

// previousValue returns the last sample of a channel, or 0 if none was seen.
func (s *DaemonState) previousValue(channel string) float64 {
	return s.Channels[channel].Value
}

func (s *DaemonState) observeChannel(channel string, value float64, now time.Time) {
	s.Channels[channel] = ChannelState{Value: value, At: now}
}

func (s *DaemonState) recordDrop(reason string) {
	s.Serial.Dropped++
	s.Serial.LastDrop = reason
}

// ============================================================================
// Snapshot
// ============================================================================

// StateSnapshot is a copy of DaemonState safe to hand to other goroutines.
type StateSnapshot struct {
	At time.Time `json:"at"`

	Host struct {
		ModeFlags     map[string]float64 `json:"mode_flags"`
		Frame         int                `json:"frame"`
		Playing       bool               `json:"playing"`
		PerformPulses int                `json:"perform_pulses"`
		LastLifecycle string             `json:"last_lifecycle,omitempty"`
	} `json:"host"`

	Device struct {
		Mode          DeviceMode `json:"mode"`
		Position      int64      `json:"position"`
		PositionKnown bool       `json:"position_known"`
		PositionValid bool       `json:"position_valid"`
		PositionAt    time.Time  `json:"position_at"`
	} `json:"device"`

	Serial struct {
		Connected    bool   `json:"connected"`
		Device       string `json:"device"`
		Sent         int    `json:"sent"`
		Failed       int    `json:"failed"`
		Dropped      int    `json:"dropped"`
		BytesWritten int64  `json:"bytes_written"`
		LastCommand  string `json:"last_command,omitempty"`
		LastError    string `json:"last_error,omitempty"`
		LastDrop     string `json:"last_drop,omitempty"`
	} `json:"serial"`

	Channels      map[string]float64 `json:"channels"`
	DataBufferLen int                `json:"data_buffer_len"`
}

// Snapshot copies the state. Maps are cloned.
func (s *DaemonState) Snapshot(now time.Time) StateSnapshot {
	var snap StateSnapshot
	snap.At = now

	snap.Host.ModeFlags = make(map[string]float64, len(s.Host.ModeFlags))
	for k, v := range s.Host.ModeFlags {
		snap.Host.ModeFlags[k] = v
	}
	snap.Host.Frame = s.Host.Frame
	snap.Host.Playing = s.Host.Playing
	snap.Host.PerformPulses = s.Host.PerformPulses
	snap.Host.LastLifecycle = s.Host.LastLifecycle

	snap.Device.Mode = s.Device.Mode
	snap.Device.Position = s.Device.Position
	snap.Device.PositionKnown = s.Device.PositionKnown
	snap.Device.PositionValid = s.Device.PositionValid
	snap.Device.PositionAt = s.Device.PositionAt

	snap.Serial.Connected = s.Serial.Connected
	snap.Serial.Device = s.Serial.Device
	snap.Serial.Sent = s.Serial.Sent
	snap.Serial.Failed = s.Serial.Failed
	snap.Serial.Dropped = s.Serial.Dropped
	snap.Serial.BytesWritten = s.Serial.BytesWritten
	snap.Serial.LastCommand = s.Serial.LastCommand
	snap.Serial.LastError = s.Serial.LastError
	snap.Serial.LastDrop = s.Serial.LastDrop

	snap.Channels = make(map[string]float64, len(s.Channels))
	for k, v := range s.Channels {
		snap.Channels[k] = v.Value
	}
	snap.DataBufferLen = len(s.Data.Samples)

	return snap
}
