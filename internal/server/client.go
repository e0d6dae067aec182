// Package server manages individual WebSocket clients, handling read/write
// pumps, the Socket.IO handshake, rate limiting, and lifecycle control for
// each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/relay"
)

// Client is one WebSocket connection. It is the relay.Sink of its session:
// the relay queues frames through Deliver and the write pump drains them.
type Client struct {
	id      relay.ConnID
	conn    *websocket.Conn
	relay   *relay.Relay
	cfg     Config
	log     *slog.Logger
	addr    string
	version int
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// owned by the read pump
	ctx           context.Context
	joined        bool
	registered    bool
	queryUsername string
}

func newClient(ctx context.Context, conn *websocket.Conn, r *relay.Relay, cfg Config, log *slog.Logger, id relay.ConnID, addr string, version int) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limits := cfg.RateLimit()

	return &Client{
		id:      id,
		conn:    conn,
		relay:   r,
		cfg:     cfg,
		log:     log.With("conn_id", id, "remote_addr", addr),
		addr:    addr,
		version: version,
		limiter: rate.NewLimiter(rate.Limit(float64(limits.Burst)/limits.RefillInterval.Seconds()), limits.Burst),
		send:    make(chan []byte, cfg.SendBufferSize),
		done:    make(chan struct{}),
		ctx:     ctx,
	}
}

// Deliver encodes evt as a Socket.IO event frame and queues it without
// blocking.
func (c *Client) Deliver(evt relay.Event) error {
	frame, err := protocol.EventFrame(evt.Name(), evt.Args()...)
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrTransportWrite, err)
	}
	return c.enqueue(frame)
}

// Close stops the write pump, which closes the socket. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", relay.ErrTransportWrite)
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", relay.ErrTransportWrite)
	}
}

// enqueueOrLog is used for frames the client addresses to itself (acks,
// pongs, connect errors).
func (c *Client) enqueueOrLog(frame []byte, err error) {
	if err != nil {
		c.log.Error("Encoding frame failed", "error", err)
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.log.Warn("Dropping frame", "error", err)
	}
}

func (c *Client) readTimeout() time.Duration {
	return c.cfg.PingInterval + c.cfg.PingTimeout
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout())); err != nil {
		c.log.Warn("Error setting read deadline", "error", err)
	}
}

// handleReadError logs the reason the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Frame exceeded maximum size", "max_bytes", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket error", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

// open queues the Engine.IO handshake. Engine.IO v3 clients join the default
// namespace implicitly, so they are acknowledged and registered right away.
func (c *Client) open() error {
	frame, err := protocol.OpenFrame(string(c.id), c.cfg.PingInterval, c.cfg.PingTimeout, c.cfg.MaxMessageSize)
	if err != nil {
		return err
	}
	if err := c.enqueue(frame); err != nil {
		return err
	}

	if c.version == engineV3 {
		c.joined = true
		c.enqueueOrLog(protocol.ConnectAckFrame(""))
		if c.queryUsername != "" {
			c.register(c.queryUsername)
		}
	}
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.extendReadDeadline()

		if !c.handleFrame(frame) {
			return
		}
	}
}

// handleFrame processes one Engine.IO packet and returns false when the
// connection should end.
func (c *Client) handleFrame(frame []byte) bool {
	packet, err := protocol.ParseEngine(frame)
	if err != nil {
		c.log.Warn("Invalid frame", "error", err)
		return true
	}

	switch packet.Type {
	case protocol.EnginePing:
		c.enqueueOrLog(protocol.EnginePacket{Type: protocol.EnginePong, Data: packet.Data}.Encode(), nil)
	case protocol.EngineClose:
		c.log.Info("Client sent close packet")
		return false
	case protocol.EngineMessage:
		return c.handleSocketPacket(packet.Data)
	case protocol.EnginePong, protocol.EngineNoop, protocol.EngineUpgrade, protocol.EngineOpen:
	}
	return true
}

func (c *Client) handleSocketPacket(data []byte) bool {
	packet, err := protocol.ParseSocket(data)
	if err != nil {
		c.log.Warn("Invalid Socket.IO packet", "error", err)
		return true
	}

	if packet.Namespace != protocol.DefaultNamespace {
		if packet.Type == protocol.SocketConnect {
			c.enqueueOrLog(protocol.ConnectErrorFrame(packet.Namespace, "Invalid namespace"))
		}
		c.log.Debug("Ignoring packet for unknown namespace", "namespace", packet.Namespace)
		return true
	}

	switch packet.Type {
	case protocol.SocketConnect:
		c.handleConnect(packet)
	case protocol.SocketDisconnect:
		c.log.Info("Client left the namespace")
		return false
	case protocol.SocketEvent:
		if !c.checkRateLimit() {
			return true
		}
		c.handleEvent(packet)
	default:
		c.log.Debug("Ignoring Socket.IO packet", "type", string(packet.Type))
	}
	return true
}

func (c *Client) handleConnect(packet protocol.SocketPacket) {
	if c.joined {
		if c.version == engineV3 {
			return
		}
		c.log.Warn("Rejected duplicate connect")
		c.enqueueOrLog(protocol.ConnectErrorFrame(protocol.DefaultNamespace, relay.ErrDuplicateConnection.Error()))
		return
	}

	username := protocol.DecodeConnectAuth(packet.Data).Username
	if username == "" {
		username = c.queryUsername
	}
	if username != "" {
		if _, err := relay.NormalizeUsername(username); err != nil {
			c.enqueueOrLog(protocol.ConnectErrorFrame(protocol.DefaultNamespace, err.Error()))
			return
		}
	}

	c.joined = true
	c.enqueueOrLog(protocol.ConnectAckFrame(string(c.id)))

	if username == "" {
		c.log.Debug("Connected without username; waiting for sendUsername")
		return
	}
	c.register(username)
}

// register creates the relay session. The connect ack is already queued, so
// the join broadcast reaches the client after it.
func (c *Client) register(username string) {
	err := c.relay.Connect(c.ctx, c.id, username, c)
	switch {
	case err == nil:
		c.registered = true
	case errors.Is(err, relay.ErrDuplicateConnection), errors.Is(err, relay.ErrInvalidUsername):
		c.enqueueOrLog(protocol.ConnectErrorFrame(protocol.DefaultNamespace, err.Error()))
	default:
		c.log.Error("Registering session failed", "error", err)
	}
}

func (c *Client) handleEvent(packet protocol.SocketPacket) {
	name, args, err := packet.Event()
	if err != nil {
		c.log.Warn("Invalid event", "error", err)
		return
	}

	switch name {
	case eventSendMessage:
		c.handleSendMessage(args)
	case eventSendUsername:
		c.handleSendUsername(args)
	default:
		c.log.Debug("Ignoring unknown event", "event", name)
	}

	if packet.AckID != protocol.NoAck {
		c.enqueueOrLog(protocol.AckFrame(packet.AckID))
	}
}

func (c *Client) handleSendMessage(args []json.RawMessage) {
	text, err := protocol.StringArg(args, 0)
	if err != nil {
		c.log.Warn("Invalid sendMessage payload", "error", err)
		return
	}

	msg, err := c.relay.SendMessage(c.ctx, c.id, text)
	switch {
	case errors.Is(err, relay.ErrUnknownSession):
		c.log.Debug("Dropping message from unregistered connection")
	case err != nil:
		c.log.Warn("Sending message failed", "error", err)
	default:
		c.log.Debug("Message relayed", "message_id", msg.ID)
	}
}

func (c *Client) handleSendUsername(args []json.RawMessage) {
	username, err := protocol.StringArg(args, 0)
	if err != nil {
		c.log.Warn("Invalid sendUsername payload", "error", err)
		return
	}

	switch {
	case c.registered:
		c.log.Warn("Ignoring sendUsername; username is fixed for the session")
	case !c.joined:
		c.log.Debug("Ignoring sendUsername before connect")
	default:
		c.register(username)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the event should be processed
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		limits := c.cfg.RateLimit()
		c.log.Warn("Rate limit exceeded; discarding event", "burst", limits.Burst, "interval", limits.RefillInterval)
		return false
	}
	return true
}

// leave removes the session from the relay once the transport is gone.
func (c *Client) leave() {
	if c.registered {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.relay.Disconnect(ctx, c.id); err != nil && !errors.Is(err, relay.ErrRelayClosed) {
			c.log.Warn("Disconnecting session failed", "error", err)
		}
	}
	c.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame := <-c.send:
		return c.writeFrame(frame)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.flush()
		c.writeCloseMessage()
		return false
	case <-c.ctx.Done():
		c.Close()
		c.writeCloseMessage()
		return false
	}
}

// flush writes whatever is still queued when the client is closed.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.log.Warn("Error setting write deadline", "error", err)
		c.Close()
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing frame", "error", err)
		}
		c.Close()
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "error", err)
	}
}

// handlePing keeps the connection alive. Engine.IO v4 expects the server to
// ping; v3 clients ping us, so only a WebSocket control ping is sent.
func (c *Client) handlePing() bool {
	if c.version == engineV4 {
		return c.writeFrame(protocol.EnginePacket{Type: protocol.EnginePing}.Encode())
	}

	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.log.Warn("Error writing ping message", "error", err)
		c.Close()
		return false
	}
	return true
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	c.Close()
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error closing connection", "error", err)
	}
}
