package main

import (
	"context"
	"testing"
	"time"
)

type daemonHarness struct {
	events       chan Event
	observations chan Event
	broadcasts   chan StateBroadcast
	transport    *fakeTransport
	bulk         *fakeTransport
	cancel       context.CancelFunc
	done         chan struct{}
}

func startDaemon(t *testing.T, transport *fakeTransport) *daemonHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &daemonHarness{
		events:       make(chan Event, 16),
		observations: make(chan Event, 16),
		broadcasts:   make(chan StateBroadcast, 64),
		transport:    transport,
		bulk:         &fakeTransport{},
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		transports := Transports{Motor: transport, Bulk: h.bulk}
		runDaemon(ctx, h.events, h.observations, transports, testReduceConfig(), newDaemonState(), h.broadcasts, discardLogger())
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *daemonHarness) stop() {
	h.cancel()
	<-h.done
}

func (h *daemonHarness) snapshot(t *testing.T) StateSnapshot {
	t.Helper()
	snap, err := requestSnapshot(context.Background(), h.events, time.Second)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func TestDaemon_WritesInEventOrder(t *testing.T) {
	ft := &fakeTransport{}
	h := startDaemon(t, ft)

	h.events <- ChannelSampled{Channel: channelMode, Value: 1}
	h.events <- FrameSampled{Frame: 1, Channels: []ChannelValue{
		{Channel: channelPos, Value: 250.4},
		{Channel: channelCalib, Value: 1},
	}}
	h.events <- ChannelSampled{Channel: channelMode, Value: 0}

	want := []string{"F\n", "C\n", "P250\n", "L\n"}
	waitUntil(t, time.Second, func() bool { return len(ft.Writes()) == len(want) }, "writes not observed")

	got := ft.Writes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %q, want %q (all: %q)", i, got[i], want[i], got)
		}
	}

	snap := h.snapshot(t)
	if snap.Serial.Sent != len(want) {
		t.Fatalf("sent = %d, want %d", snap.Serial.Sent, len(want))
	}
	if snap.Device.Mode != DeviceModeLocked {
		t.Fatalf("device mode = %q, want locked", snap.Device.Mode)
	}
}

func TestDaemon_ContinuesAfterWriteFailure(t *testing.T) {
	ft := &fakeTransport{failNext: 1}
	h := startDaemon(t, ft)

	h.events <- ChannelSampled{Channel: channelMode, Value: 1} // fails
	h.events <- ChannelSampled{Channel: channelPos, Value: 7}  // goes out

	waitUntil(t, time.Second, func() bool { return len(ft.Writes()) == 1 }, "second write not observed")
	if got := ft.Writes()[0]; got != "P7\n" {
		t.Fatalf("write = %q, want P7", got)
	}

	snap := h.snapshot(t)
	if snap.Serial.Failed != 1 || snap.Serial.Sent != 1 {
		t.Fatalf("failed=%d sent=%d, want 1/1", snap.Serial.Failed, snap.Serial.Sent)
	}
}

func TestDaemon_BulkLengthMismatchWritesNothing(t *testing.T) {
	ft := &fakeTransport{}
	h := startDaemon(t, ft)

	h.events <- BulkSend{Samples: make([]float64, 26)}
	h.events <- BulkSend{Samples: make([]float64, 27)}

	waitUntil(t, time.Second, func() bool { return len(h.bulk.Writes()) == 1 }, "bulk write not observed")
	if n := len(h.bulk.Writes()[0]); n != bulkFrameLen {
		t.Fatalf("bulk frame length = %d, want %d", n, bulkFrameLen)
	}
	if snap := h.snapshot(t); snap.Serial.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", snap.Serial.Dropped)
	}
}

func TestDaemon_BulkFramesNeverReachMotorPort(t *testing.T) {
	ft := &fakeTransport{}
	h := startDaemon(t, ft)

	// A frame whose bytes look like a position command must not merge with the next
	// motor line.
	samples := make([]float64, bulkSampleCount)
	samples[0] = 'P'
	for i := 1; i < len(samples); i++ {
		samples[i] = '9'
	}
	h.events <- BulkSend{Samples: samples}
	h.events <- ChannelSampled{Channel: channelMode, Value: 1}

	waitUntil(t, time.Second, func() bool { return len(ft.Writes()) == 1 }, "mode write not observed")
	if got := ft.Writes(); got[0] != "F\n" {
		t.Fatalf("motor port got %q, want only F", got)
	}
	bulk := h.bulk.Writes()
	if len(bulk) != 1 || bulk[0][0] != bulkHeader || bulk[0][1] != 'P' {
		t.Fatalf("bulk port got %q", bulk)
	}
}

func TestDaemon_ObservationsAndBroadcasts(t *testing.T) {
	ft := &fakeTransport{}
	h := startDaemon(t, ft)

	h.observations <- SerialConnectionChanged{Connected: true, Device: "/dev/ttyACM0", At: time.Now()}
	h.observations <- DevicePositionObserved{Position: 321, Free: true, At: time.Now()}
	h.events <- ProjectStart{}

	var gotSerial, gotPos, gotHost bool
	deadline := time.After(time.Second)
	for !(gotSerial && gotPos && gotHost) {
		select {
		case b := <-h.broadcasts:
			switch ev := b.(type) {
			case BroadcastSerialStatus:
				gotSerial = ev.Connected
			case BroadcastDevicePosition:
				gotPos = ev.Position == 321 && ev.Mode == DeviceModeFree
			case BroadcastHostState:
				gotHost = ev.ModeFlags["mode2"] == 1 && !ev.Playing
			}
		case <-deadline:
			t.Fatalf("missing broadcasts: serial=%v pos=%v host=%v", gotSerial, gotPos, gotHost)
		}
	}

	if len(ft.Writes()) != 0 {
		t.Fatalf("lifecycle wrote to the port: %q", ft.Writes())
	}
}
