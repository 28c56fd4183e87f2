// Package httpapi serves the daemon's operational HTTP surface: a liveness
// probe, prometheus metrics, and a websocket endpoint streaming one
// subscription's notifications. The full subscription-management API is a
// separate service and not part of this module.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/notifier"
)

// Server is the admin HTTP listener.
type Server struct {
	srv      *http.Server
	wsSink   *notifier.WebSocketSink
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New builds a Server listening on port. wsSink may be nil, which disables
// the websocket endpoint.
func New(port int, wsSink *notifier.WebSocketSink, log zerolog.Logger) *Server {
	s := &Server{
		wsSink: wsSink,
		log:    log.With().Str("component", "httpapi").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if wsSink != nil {
		mux.HandleFunc("/ws/", s.handleWebSocket)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("admin http server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("admin http server stopped")
		}
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebSocket upgrades /ws/<subscriptionId> and attaches the connection
// to the websocket sink until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if subID == "" || strings.Contains(subID, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.wsSink.Register(subID, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsSink.Unregister(subID, conn)
				return
			}
		}
	}()
}
