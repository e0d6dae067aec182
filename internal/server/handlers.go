// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the roster snapshot.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/relay"
)

// WebSocketHandler handles WebSocket upgrade requests for Socket.IO clients.
// It validates the method and transport, upgrades the connection, queues the
// Engine.IO handshake and starts the client's read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if transport := query.Get("transport"); transport != "" && transport != "websocket" {
		http.Error(w, "Unsupported transport. Only websocket is available.", http.StatusBadRequest)
		return
	}

	version := engineV4
	if query.Get("EIO") == "3" {
		version = engineV3
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := relay.ConnID(uuid.NewString())
	client := newClient(s.ctx, conn, s.relay, s.cfg, s.log, id, r.RemoteAddr, version)
	client.queryUsername = strings.TrimSpace(query.Get("username"))

	if err := client.open(); err != nil {
		s.log.Error("Opening session failed", "conn_id", id, "error", err)
		client.closeConnection()
		return
	}
	s.log.Info("Client connected", "conn_id", id, "remote_addr", r.RemoteAddr, "engine_version", version)

	s.startPumps(client)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

// RosterHandler returns the current roster as a JSON object of connection id
// to username.
func (s *Server) RosterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	roster, err := s.relay.Roster(r.Context())
	if err != nil {
		s.log.Warn("Reading roster failed", "error", err)
		http.Error(w, "Relay unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(roster); err != nil {
		s.log.Warn("Error writing roster response", "error", err)
	}
}
