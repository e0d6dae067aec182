// Package server constructs and starts the relay's HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/relay"
)

// Server is the WebSocket edge in front of a Relay. It upgrades connections,
// runs one read and one write pump per socket and hands every state change to
// the relay.
type Server struct {
	cfg      Config
	relay    *relay.Relay
	log      *slog.Logger
	origins  originPolicy
	upgrader websocket.Upgrader
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

// New wires a Server to r. The relay's Run loop must be started by the caller.
func New(cfg Config, r *relay.Relay, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		relay:   r,
		log:     log,
		origins: newOriginPolicy(cfg.Origins(), log),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.http = CreateServer(cfg.Addr(), s.SetupRoutes())
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("Relay listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections, shuts the relay down (which closes
// every session's socket) and waits for the pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.relay.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All connections closed")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

func (s *Server) startPumps(c *Client) {
	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		c.readPump()
	}()
}
