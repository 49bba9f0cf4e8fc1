package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server lets local clients (host scripts, `motorlink send`,
// `motorlink ctl`) post host events to the daemon.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - {"type": "status"} is answered with the current state snapshot.
// ============================================================================

// ipcStatusType is the pseudo event that asks for a snapshot instead of posting an event.
const ipcStatusType = "status"

// ipcSnapshotTimeout bounds the snapshot round trip through the daemon loop.
const ipcSnapshotTimeout = time.Second

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Error  string         `json:"error,omitempty"` // error message if status == "error"
	State  *StateSnapshot `json:"state,omitempty"` // only for status requests
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	encoder := json.NewEncoder(conn)

	reply := func(resp IPCResponse) {
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		if isStatusRequest(line) {
			snap, err := requestSnapshot(ctx, events, ipcSnapshotTimeout)
			if err != nil {
				reply(IPCResponse{Status: "error", Error: err.Error()})
				continue
			}
			reply(IPCResponse{Status: "ok", State: &snap})
			continue
		}

		// Parse event from JSON (payload events only; daemon assigns timestamps via TimedEvent)
		ev, err := UnmarshalEvent(line)
		if err != nil {
			reply(IPCResponse{Status: "error", Error: fmt.Sprintf("parse event: %v", err)})
			continue
		}

		select {
		case events <- ev:
			reply(IPCResponse{Status: "ok"})
		default:
			reply(IPCResponse{Status: "error", Error: "event queue full"})
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("IPC read error", "error", err)
	}
	logger.Debug("IPC connection closed")
}

func isStatusRequest(line []byte) bool {
	var env EventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return false
	}
	return env.Type == ipcStatusType
}

// requestSnapshot performs the RequestStateSnapshot round trip through the daemon loop.
func requestSnapshot(ctx context.Context, events chan<- Event, timeout time.Duration) (StateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("request snapshot: %w", ctx.Err())
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("wait for snapshot: %w", ctx.Err())
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCEvent sends an event to the daemon via IPC and returns the response
func SendIPCEvent(socketPath string, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = sendIPCLine(socketPath, data)
	return err
}

// FetchIPCStatus asks the daemon for its current state snapshot.
func FetchIPCStatus(socketPath string) (StateSnapshot, error) {
	data, err := json.Marshal(EventEnvelope{Type: ipcStatusType})
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("marshal status request: %w", err)
	}
	resp, err := sendIPCLine(socketPath, data)
	if err != nil {
		return StateSnapshot{}, err
	}
	if resp.State == nil {
		return StateSnapshot{}, errors.New("ipc status: empty state")
	}
	return *resp.State, nil
}

func sendIPCLine(socketPath string, data []byte) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return IPCResponse{}, fmt.Errorf("send event: %w", err)
	}

	decoder := json.NewDecoder(conn)
	var resp IPCResponse
	if err := decoder.Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}

	return resp, nil
}
