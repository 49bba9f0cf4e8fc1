package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// watchStates connects to the daemon's /ws endpoint and prints every broadcast until
// ctx is canceled or the connection closes.
func watchStates(ctx context.Context, wsURL string, out io.Writer) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	done := make(chan error, 1)
	go func() {
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					done <- nil
				} else {
					done <- err
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if typ == websocket.TextMessage {
				printBroadcast(out, msg)
			}
		}
	}()

	select {
	case <-ctx.Done():
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("close websocket: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func printBroadcast(out io.Writer, msg []byte) {
	var env struct {
		Type string          `json:"type"`
		Ts   time.Time       `json:"ts"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
		fmt.Fprintf(out, "[TEXT] %s\n", msg)
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", env.Ts.Local().Format("15:04:05.000"), env.Type, env.Data)
}
