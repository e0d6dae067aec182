// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// Socket.IO clients connect on /socket.io/; /ws is kept for plain WebSocket tooling.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/roster", s.RosterHandler)
	mux.HandleFunc("/socket.io/", s.WebSocketHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
