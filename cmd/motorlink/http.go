package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ============================================================================
// HTTP Server
// ============================================================================
//   /ws       host WebSocket (events in, state broadcasts out)
//   /status   JSON state snapshot
//   /healthz  liveness
// ============================================================================

// newHTTPMux builds the handler tree. ws may be nil (no WebSocket endpoint).
func newHTTPMux(ws *Server, events chan<- Event, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	if ws != nil {
		ws.Register(mux, "/ws")
	}
	mux.HandleFunc("/status", statusHandler(events, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func statusHandler(events chan<- Event, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap, err := requestSnapshot(r.Context(), events, time.Second)
		if err != nil {
			logger.Warn("status snapshot failed", "error", err)
			http.Error(w, "daemon busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Debug("status write failed", "error", err)
		}
	}
}

// runHTTPServer starts the HTTP server on the specified port and shuts it down
// gracefully when ctx is canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	listenAddr := fmt.Sprintf(":%d", port)
	logger.Info("http server listening", "port", port)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
