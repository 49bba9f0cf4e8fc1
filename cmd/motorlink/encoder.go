package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// This file holds the channel -> command mapping. Everything here is pure: it decides
// which bytes a channel observation turns into and never touches the port.

var (
	errBulkLength = errors.New("bulk frame needs exactly 27 samples")
	errBulkRange  = errors.New("bulk sample outside 0..255")
	errNotFinite  = errors.New("value is not finite")
)

// Transition classifies a channel observation across the zero/non-zero boundary.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionRising
	TransitionFalling
)

func (t Transition) String() string {
	switch t {
	case TransitionRising:
		return "rising"
	case TransitionFalling:
		return "falling"
	default:
		return "none"
	}
}

// classifyTransition returns Rising for 0 -> non-zero and Falling for non-zero -> 0.
func classifyTransition(prev, value float64) Transition {
	switch {
	case prev == 0 && value != 0:
		return TransitionRising
	case prev != 0 && value == 0:
		return TransitionFalling
	default:
		return TransitionNone
	}
}

// edgeCommand maps an edge on a named channel to its fixed command.
// Only mode (rising/falling) and calib (rising) produce anything.
func edgeCommand(channel string, t Transition) (SerialCommand, bool) {
	switch {
	case channel == channelMode && t == TransitionRising:
		return CmdFreeMode{}, true
	case channel == channelMode && t == TransitionFalling:
		return CmdLock{}, true
	case channel == channelCalib && t == TransitionRising:
		return CmdCalibrate{}, true
	}
	return nil, false
}

// levelCommand maps a value change on the pos channel to a position command.
// The value is truncated toward zero. Other channels return (nil, nil).
func levelCommand(channel string, value float64) (SerialCommand, error) {
	if channel != channelPos {
		return nil, nil
	}
	pos, err := truncToInt64(value)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", channel, err)
	}
	return CmdSetPosition{Position: pos}, nil
}

func truncToInt64(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	t := math.Trunc(v)
	// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
	if t < math.MinInt64 || t >= math.MaxInt64 {
		return 0, errNotFinite
	}
	return int64(t), nil
}

// frameBulk converts a sample buffer into a bulk command. Each sample is truncated the
// way an integer cast would and must land in 0..255.
func frameBulk(samples []float64) (CmdSendBulk, error) {
	var cmd CmdSendBulk
	if len(samples) != bulkSampleCount {
		return cmd, fmt.Errorf("%w (got %d)", errBulkLength, len(samples))
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return CmdSendBulk{}, fmt.Errorf("sample %d: %w", i, errNotFinite)
		}
		t := math.Trunc(s)
		if t < 0 || t > 255 {
			return CmdSendBulk{}, fmt.Errorf("sample %d = %v: %w", i, s, errBulkRange)
		}
		cmd.Data[i] = byte(t)
	}
	return cmd, nil
}

// ChannelValue is one channel's sample within a frame.
type ChannelValue struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

// orderChannels returns values sorted by the configured priority list. Channels not in
// the list come after it, by name. Duplicate channels keep their relative order.
func orderChannels(values []ChannelValue, priority []string) []ChannelValue {
	rank := make(map[string]int, len(priority))
	for i, name := range priority {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}
	out := make([]ChannelValue, len(values))
	copy(out, values)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Channel]
		rj, jok := rank[out[j].Channel]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i].Channel < out[j].Channel
		}
	})
	return out
}
