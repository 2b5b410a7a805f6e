// Package admin serves the HTTP diagnostics surface of echod: health,
// connected clients, Prometheus metrics, and the WebSocket echo endpoint.
// It exposes no control operations.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realtime-echo/internal/server"
)

// EchoServer is the part of server.Server the admin surface reads.
type EchoServer interface {
	Running() bool
	Clients() []server.ClientInfo
	WebSocketHandler() http.Handler
}

type clientsResponse struct {
	Count   int                 `json:"count"`
	Clients []server.ClientInfo `json:"clients"`
}

// NewRouter builds the admin routes.
func NewRouter(es EchoServer, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !es.Running() {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	r.Get("/clients", func(w http.ResponseWriter, r *http.Request) {
		clients := es.Clients()
		if clients == nil {
			clients = []server.ClientInfo{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(clientsResponse{Count: len(clients), Clients: clients})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/ws", es.WebSocketHandler())

	return r
}

// Serve runs the admin HTTP server on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	logger := slog.Default().With("component", "admin")
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "address", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown incomplete", "error", err)
		srv.Close()
	}
	logger.Info("admin server stopped")
	return nil
}
