package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Host WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// The host runtime (or a UI) connects to /ws. Inbound text frames are host events in
// the same envelope IPC uses; outbound frames are state broadcasts.
//
//   - DaemonState remains daemon-owned; clients get a state_init snapshot through the
//     reducer on connect.
//   - Broadcasts originate from ReduceResult.Broadcasts.
//   - Slow clients are disconnected when their send buffer fills.
//   - Outbound messages are JSON text frames with an envelope: {type, ts, data}.
//
// ============================================================================

type wsHostStateData struct {
	ModeFlags map[string]float64 `json:"mode_flags"`
	Frame     int                `json:"frame"`
	Playing   bool               `json:"playing"`
	Lifecycle string             `json:"lifecycle,omitempty"`
}

type wsDevicePositionData struct {
	Position int64      `json:"position"`
	Valid    bool       `json:"valid"`
	Mode     DeviceMode `json:"mode"`
}

type wsSerialStatusData struct {
	Connected bool   `json:"connected"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

type wsErrorData struct {
	Error string `json:"error"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format envelope for outbound WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if !c.trySend(msg) {
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// sendMu guards sends on send against the hub closing it.
	sendMu     sync.Mutex
	sendClosed bool

	// events receives host events parsed from inbound frames. Nil means read-only.
	events chan<- Event

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, events chan<- Event, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		events:     events,
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// trySend queues msg without blocking. It reports false if the queue is full or
// the hub has already closed it.
func (c *Client) trySend(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue once.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// Host frames can carry a full data buffer.
	maxInboundMessage = 1 << 20
)

// wsPositionCoalesceWindow is the maximum time window during which telemetry position
// updates are coalesced (latest-wins) before broadcasting to clients.
const wsPositionCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, kind string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+kind+")", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump reads host events from the client and forwards them to the daemon.
// It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}

		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if typ != websocket.TextMessage {
			continue
		}
		c.handleInbound(msg)
	}
}

// handleInbound decodes one inbound frame and posts it to the daemon. Errors are
// reported back to this client only.
func (c *Client) handleInbound(msg []byte) {
	if c.events == nil {
		return
	}

	ev, err := UnmarshalEvent(msg)
	if err != nil {
		c.logger.Debug("ws inbound event rejected", "remote_addr", c.remoteAddr, "error", err)
		c.reply("error", wsErrorData{Error: err.Error()})
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("ws inbound event dropped (queue full)", "remote_addr", c.remoteAddr)
		c.reply("error", wsErrorData{Error: "event queue full"})
	}
}

func (c *Client) reply(typ string, data any) {
	msg, err := marshalEnvelope(typ, time.Time{}, data)
	if err != nil {
		return
	}
	if !c.trySend(msg) {
		c.logger.Debug("ws reply dropped", "remote_addr", c.remoteAddr, "type", typ)
	}
}

// ============================================================================
// HTTP Handler
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Snapshot requests and inbound host events go through the daemon loop.
	events chan<- Event

	// snapshotTimeout bounds the state_init round trip.
	snapshotTimeout time.Duration
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS components. Call Register on a mux, start hub.Run(ctx),
// and start the broadcaster loop.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger:          logger,
		hub:             NewHub(logger, cfg.Hub),
		events:          events,
		snapshotTimeout: time.Second,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleHostWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleHostWS upgrades and registers a client, then sends state_init.
func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, s.events, r.RemoteAddr, s.logger)

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// Pumps must not use r.Context(): net/http cancels it when this handler returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	snap, err := requestSnapshot(r.Context(), s.events, s.snapshotTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := marshalEnvelope("state_init", time.Time{}, snap)
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}

	if !client.trySend(initMsg) {
		s.hub.unregister <- client
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads reducer-emitted StateBroadcast events, marshals them, and
// publishes them to sinks (the WS hub, MQTT). Position updates are coalesced.
// Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, src <-chan StateBroadcast, logger *slog.Logger, sinks ...BroadcastSink) {
	if src == nil || len(sinks) == 0 {
		return
	}

	emit := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev.Type, ev.At, ev.Data)
		if err != nil {
			logger.Warn("broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		for _, s := range sinks {
			s.Publish(ev.Type, msg)
		}
	}

	// Rate-limit bursty position updates: flush the latest pending one at most once
	// every wsPositionCoalesceWindow (no debounce-on-silence).
	var pendingPos *wsOutboundEvent
	var posTimer *time.Timer
	var posTimerCh <-chan time.Time

	flushPendingPos := func() {
		if pendingPos == nil {
			return
		}
		emit(*pendingPos)
		pendingPos = nil
	}

	stopPosTimer := func() {
		if posTimer != nil {
			posTimer.Stop()
		}
		posTimer = nil
		posTimerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingPos()
			stopPosTimer()
			return

		case <-posTimerCh:
			flushPendingPos()
			stopPosTimer()

		case b, ok := <-src:
			if !ok {
				flushPendingPos()
				stopPosTimer()
				logger.Info("broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "device_position" {
				copyEv := ev
				pendingPos = &copyEv
				if posTimer == nil {
					posTimer = time.NewTimer(wsPositionCoalesceWindow)
					posTimerCh = posTimer.C
				}
				continue
			}

			// Keep ordering: a pending position goes out before this event.
			flushPendingPos()
			stopPosTimer()
			emit(ev)
		}
	}
}

// BroadcastSink receives serialized broadcast envelopes.
type BroadcastSink interface {
	Publish(typ string, msg []byte)
}

// Publish implements BroadcastSink.
func (h *Hub) Publish(_ string, msg []byte) { h.BroadcastBytes(msg) }

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastHostState:
		return wsOutboundEvent{
			Type: "host_state",
			Data: wsHostStateData{
				ModeFlags: ev.ModeFlags,
				Frame:     ev.Frame,
				Playing:   ev.Playing,
				Lifecycle: ev.Lifecycle,
			},
			At: ev.At,
		}, true

	case BroadcastDevicePosition:
		return wsOutboundEvent{
			Type: "device_position",
			Data: wsDevicePositionData{Position: ev.Position, Valid: ev.Valid, Mode: ev.Mode},
			At:   ev.At,
		}, true

	case BroadcastSerialStatus:
		return wsOutboundEvent{
			Type: "serial_status",
			Data: wsSerialStatusData{
				Connected: ev.Connected,
				Sent:      ev.Sent,
				Failed:    ev.Failed,
				Dropped:   ev.Dropped,
				LastError: ev.LastError,
			},
			At: ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
