package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Hub tests use Clients with a nil websocket.Conn; the hub guards every conn access.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		conn:       nil,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)
	require.Equal(t, 2, hub.Len())

	msg := []byte(`{"type":"device_position","data":{"position":12}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			require.Equal(t, string(msg), string(got), c.remoteAddr)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
	require.Equal(t, 0, hub.Len())
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 1, 8)
	go hub.Run(ctx)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"serial_status","data":{"connected":true}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		require.Equal(t, string(msg), string(got))
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	select {
	case <-slow.send:
	default:
	}

	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
	require.Equal(t, 1, hub.Len())
}

func TestClient_HandleInbound(t *testing.T) {
	events := make(chan Event, 1)
	c := newTestClient(nil, "host", 4)
	c.events = events

	c.handleInbound([]byte(`{"type":"channel_sampled","data":{"channel":"pos","value":3}}`))
	select {
	case ev := <-events:
		require.Equal(t, ChannelSampled{Channel: channelPos, Value: 3}, ev)
	default:
		t.Fatalf("event not forwarded")
	}

	// Bad frames are answered on the same connection.
	c.handleInbound([]byte(`{"type":"warp_drive"}`))
	var env struct {
		Type string      `json:"type"`
		Data wsErrorData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	require.Equal(t, "error", env.Type)
	require.Contains(t, env.Data.Error, "warp_drive")

	// Full daemon queue.
	events <- ProjectStart{}
	c.handleInbound([]byte(`{"type":"device_home"}`))
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	require.Equal(t, "event queue full", env.Data.Error)
}

func TestClient_SendAfterHubClosedQueue(t *testing.T) {
	c := newTestClient(nil, "evicted", 2)
	require.True(t, c.trySend([]byte(`{}`)))

	c.closeSend()
	c.closeSend() // idempotent

	require.False(t, c.trySend([]byte(`{}`)))
	c.reply("error", wsErrorData{Error: "late"})

	// The queued frame drains, then the channel reports closed.
	_, ok := <-c.send
	require.True(t, ok)
	_, ok = <-c.send
	require.False(t, ok)
}

type recordingSink struct {
	mu    sync.Mutex
	types []string
	msgs  [][]byte
}

func (s *recordingSink) Publish(typ string, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, typ)
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func TestRunBroadcaster_CoalescesPositionAndKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := make(chan StateBroadcast, 8)
	a, b := &recordingSink{}, &recordingSink{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, src, discardLogger(), a, b)
	}()

	now := time.Now()
	src <- BroadcastDevicePosition{Position: 1, Valid: true, Mode: DeviceModeFree, At: now}
	src <- BroadcastDevicePosition{Position: 2, Valid: true, Mode: DeviceModeFree, At: now}
	src <- BroadcastDevicePosition{Position: 3, Valid: true, Mode: DeviceModeFree, At: now}
	src <- BroadcastSerialStatus{Connected: true, Sent: 4, At: now}

	waitUntil(t, time.Second, func() bool { return len(a.Types()) == 2 }, "broadcasts not published")
	require.Equal(t, []string{"device_position", "serial_status"}, a.Types())
	require.Equal(t, a.Types(), b.Types())

	var env struct {
		Type string               `json:"type"`
		Ts   time.Time            `json:"ts"`
		Data wsDevicePositionData `json:"data"`
	}
	a.mu.Lock()
	require.NoError(t, json.Unmarshal(a.msgs[0], &env))
	a.mu.Unlock()
	require.EqualValues(t, 3, env.Data.Position, "latest position wins")
	require.Equal(t, DeviceModeFree, env.Data.Mode)
	require.False(t, env.Ts.IsZero())

	// A lone position update is flushed by the coalescing timer.
	src <- BroadcastDevicePosition{Position: 9, Valid: true, At: now}
	waitUntil(t, time.Second, func() bool { return len(a.Types()) == 3 }, "position not flushed")

	close(src)
	<-done
}

func TestRunBroadcaster_NoSinksReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(context.Background(), make(chan StateBroadcast), discardLogger())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcaster without sinks should return immediately")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
