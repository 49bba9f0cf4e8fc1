package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Action Types - host event interface
// ============================================================================
// Actions are what the host runtime (or any other client) tells the daemon:
// channel transitions, frame ticks, and project lifecycle notifications.
// They arrive over IPC, the host WebSocket, or MQTT and are reduced by the
// daemon loop; none of them touch the serial port directly.
// ============================================================================

// Action is a marker interface for all host events.
//
// Actions also implement the reducer's Event marker so they can be reduced directly
// (the daemon wraps them in TimedEvent to attach a receive timestamp).
type Action interface {
	eventMarker()
}

// ChannelChanged is a host-observed channel change carrying both the current and the
// previous sample. The reducer derives rising/falling edges and the level change from it.
type ChannelChanged struct {
	Channel     string  `json:"channel"`
	SampleIndex int     `json:"sample_index"`
	Value       float64 `json:"value"`
	Prev        float64 `json:"prev"`
}

func (ChannelChanged) eventMarker() {}

// ChannelSampled is a raw sample without a previous value. The reducer compares it with
// the last sample it saw for the channel (0 if none).
type ChannelSampled struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

func (ChannelSampled) eventMarker() {}

// FrameSampled carries all channel samples of one frame. Channels are reduced in the
// configured priority order, not in payload order.
type FrameSampled struct {
	Frame    int            `json:"frame"`
	Channels []ChannelValue `json:"channels"`
}

func (FrameSampled) eventMarker() {}

// DataBufferUpdated replaces the bulk data buffer.
type DataBufferUpdated struct {
	Samples []float64 `json:"samples"`
}

func (DataBufferUpdated) eventMarker() {}

// BulkSend frames and sends a bulk message now. If Samples is empty the stored data
// buffer is used.
type BulkSend struct {
	Samples []float64 `json:"samples,omitempty"`
}

func (BulkSend) eventMarker() {}

// FrameStart / FrameEnd are the host's per-frame ticks.
type FrameStart struct {
	Frame int `json:"frame"`
}
type FrameEnd struct {
	Frame int `json:"frame"`
}

func (FrameStart) eventMarker() {}
func (FrameEnd) eventMarker()   {}

// PlayStateChanged reports the timeline play state (false = just paused).
type PlayStateChanged struct {
	Playing bool `json:"playing"`
}

func (PlayStateChanged) eventMarker() {}

// ============================================================================
// Project lifecycle
// ============================================================================

type ProjectStart struct{}
type ProjectExit struct{}
type ProjectPreSave struct{}
type ProjectPostSave struct{}
type DeviceChange struct{}

func (ProjectStart) eventMarker()    {}
func (ProjectExit) eventMarker()     {}
func (ProjectPreSave) eventMarker()  {}
func (ProjectPostSave) eventMarker() {}
func (DeviceChange) eventMarker()    {}

// DeviceHome requests the controller's homing routine.
type DeviceHome struct{}

func (DeviceHome) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events for JSON serialization/deserialization.
// Since Go doesn't have union types, we use a type discriminator.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "channel_changed":
		var a ChannelChanged
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		if a.Channel == "" {
			return nil, fmt.Errorf("channel_changed: channel is empty")
		}
		return a, nil

	case "channel_sampled":
		var a ChannelSampled
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		if a.Channel == "" {
			return nil, fmt.Errorf("channel_sampled: channel is empty")
		}
		return a, nil

	case "frame_sampled":
		var a FrameSampled
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		return a, nil

	case "data_buffer":
		var a DataBufferUpdated
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		return a, nil

	case "bulk_send":
		var a BulkSend
		if len(env.Data) > 0 {
			if err := unmarshalData(env, &a); err != nil {
				return nil, err
			}
		}
		return a, nil

	case "frame_start":
		var a FrameStart
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		return a, nil

	case "frame_end":
		var a FrameEnd
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		return a, nil

	case "play_state_changed":
		var a PlayStateChanged
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		return a, nil

	case "project_start":
		return ProjectStart{}, nil
	case "project_exit":
		return ProjectExit{}, nil
	case "project_pre_save":
		return ProjectPreSave{}, nil
	case "project_post_save":
		return ProjectPostSave{}, nil
	case "device_change":
		return DeviceChange{}, nil
	case "device_home":
		return DeviceHome{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

func unmarshalData(env EventEnvelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return nil
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := e.(type) {
	case ChannelChanged:
		env.Type, payload = "channel_changed", e
	case ChannelSampled:
		env.Type, payload = "channel_sampled", e
	case FrameSampled:
		env.Type, payload = "frame_sampled", e
	case DataBufferUpdated:
		env.Type, payload = "data_buffer", e
	case BulkSend:
		env.Type = "bulk_send"
		if len(e.Samples) > 0 {
			payload = e
		}
	case FrameStart:
		env.Type, payload = "frame_start", e
	case FrameEnd:
		env.Type, payload = "frame_end", e
	case PlayStateChanged:
		env.Type, payload = "play_state_changed", e

	case ProjectStart:
		env.Type = "project_start"
	case ProjectExit:
		env.Type = "project_exit"
	case ProjectPreSave:
		env.Type = "project_pre_save"
	case ProjectPostSave:
		env.Type = "project_post_save"
	case DeviceChange:
		env.Type = "device_change"
	case DeviceHome:
		env.Type = "device_home"

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
