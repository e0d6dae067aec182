// Package relay is the chat relay core. It owns the live sessions and the
// roster, and serializes every mutation and broadcast through a single
// goroutine so that two broadcasts never interleave.
package relay

//go:generate go run go.uber.org/mock/mockgen -source=relay.go -destination=mocks/mock_sink.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Sink is the outbound side of one session's transport.
type Sink interface {
	// Deliver queues evt for the session. It must not block; a failure is
	// reported as an error wrapping ErrTransportWrite.
	Deliver(evt Event) error
	// Close releases the transport. It may be called more than once.
	Close()
}

// Options tune a Relay. The zero value is usable.
type Options struct {
	// AnnounceDepartures broadcasts UserLeftEvent on disconnect and eviction.
	AnnounceDepartures bool
	// MailboxSize is the buffer of each request channel.
	MailboxSize int
	Now         func() time.Time
	NewID       func() uuid.UUID
}

type connectRequest struct {
	id       ConnID
	username string
	sink     Sink
	reply    chan error
}

type sendRequest struct {
	id    ConnID
	text  string
	reply chan sendResult
}

type sendResult struct {
	msg ChatMessage
	err error
}

type disconnectRequest struct {
	id    ConnID
	reply chan struct{}
}

// Relay owns the session set. All state is confined to the Run goroutine;
// the exported methods hand requests to it and wait for the reply.
type Relay struct {
	log  *slog.Logger
	opts Options

	sessions map[ConnID]*Session

	connect    chan connectRequest
	send       chan sendRequest
	disconnect chan disconnectRequest
	roster     chan chan Roster

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.Once
}

// New creates a Relay. Call Run in its own goroutine before using it.
func New(log *slog.Logger, opts Options) *Relay {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.New
	}
	if opts.MailboxSize < 0 {
		opts.MailboxSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		log:        log,
		opts:       opts,
		sessions:   make(map[ConnID]*Session),
		connect:    make(chan connectRequest, opts.MailboxSize),
		send:       make(chan sendRequest, opts.MailboxSize),
		disconnect: make(chan disconnectRequest, opts.MailboxSize),
		roster:     make(chan chan Roster),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run is the relay's event loop. It returns after Shutdown. Calling Run more
// than once has no effect.
func (r *Relay) Run() {
	r.running.Do(r.loop)
}

func (r *Relay) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.closeSessions()
			return

		case req := <-r.connect:
			req.reply <- r.handleConnect(req)

		case req := <-r.send:
			msg, err := r.handleSend(req)
			req.reply <- sendResult{msg: msg, err: err}

		case req := <-r.disconnect:
			r.handleDisconnect(req.id)
			close(req.reply)

		case reply := <-r.roster:
			reply <- r.snapshot()
		}
	}
}

// Connect registers a session for id and announces it to everyone, the new
// session included. ctx bounds only the hand-off to the event loop: once the
// request is accepted Connect waits for its outcome, so a nil error always
// means the session is in the roster.
func (r *Relay) Connect(ctx context.Context, id ConnID, requestedUsername string, sink Sink) error {
	username, err := NormalizeUsername(requestedUsername)
	if err != nil {
		return err
	}

	req := connectRequest{id: id, username: username, sink: sink, reply: make(chan error, 1)}
	if err := submit(ctx, r, r.connect, req); err != nil {
		return err
	}
	return await(r, req.reply)
}

// SendMessage broadcasts text as a message from id's session. The username is
// always the one recorded at Connect.
func (r *Relay) SendMessage(ctx context.Context, id ConnID, text string) (ChatMessage, error) {
	req := sendRequest{id: id, text: text, reply: make(chan sendResult, 1)}
	if err := submit(ctx, r, r.send, req); err != nil {
		return ChatMessage{}, err
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return ChatMessage{}, ctx.Err()
	case <-r.done:
		return ChatMessage{}, ErrRelayClosed
	}
}

// Disconnect removes id's session. Disconnecting an unknown id is a no-op.
func (r *Relay) Disconnect(ctx context.Context, id ConnID) error {
	req := disconnectRequest{id: id, reply: make(chan struct{})}
	if err := submit(ctx, r, r.disconnect, req); err != nil {
		return err
	}

	select {
	case <-req.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRelayClosed
	}
}

// Roster returns a copy of the current roster.
func (r *Relay) Roster(ctx context.Context) (Roster, error) {
	reply := make(chan Roster, 1)
	if err := submit(ctx, r, r.roster, reply); err != nil {
		return nil, err
	}

	select {
	case roster := <-reply:
		return roster, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrRelayClosed
	}
}

// Shutdown stops the event loop, closes every session's sink and waits for the
// loop to exit or the timeout to elapse.
func (r *Relay) Shutdown(timeout time.Duration) error {
	r.log.Info("Initiating relay shutdown")
	r.cancel()

	select {
	case <-r.done:
		r.log.Info("Relay shutdown completed")
		return nil
	case <-time.After(timeout):
		r.log.Warn("Relay shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

func submit[T any](ctx context.Context, r *Relay, ch chan<- T, req T) error {
	select {
	case ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRelayClosed
	}
}

func await(r *Relay, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRelayClosed
	}
}

func (r *Relay) handleConnect(req connectRequest) error {
	if _, exists := r.sessions[req.id]; exists {
		r.log.Warn("Rejected duplicate connection", "conn_id", req.id, "username", req.username)
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, req.id)
	}

	r.sessions[req.id] = &Session{
		ID:          req.id,
		Username:    req.username,
		ConnectedAt: r.opts.Now(),
		sink:        req.sink,
	}
	r.log.Info("Session connected", "conn_id", req.id, "username", req.username, "sessions", len(r.sessions))

	r.fanout(UserJoinedEvent{Username: req.username, Roster: r.snapshot()})
	return nil
}

func (r *Relay) handleSend(req sendRequest) (ChatMessage, error) {
	session, ok := r.sessions[req.id]
	if !ok {
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrUnknownSession, req.id)
	}

	msg := ChatMessage{ID: r.opts.NewID(), Username: session.Username, Text: req.text}
	r.log.Debug("Broadcasting message", "conn_id", req.id, "message_id", msg.ID, "recipients", len(r.sessions))
	r.fanout(MessageEvent{Message: msg})
	return msg, nil
}

func (r *Relay) handleDisconnect(id ConnID) {
	session, ok := r.sessions[id]
	if !ok {
		return
	}
	r.remove(session)
	r.log.Info("Session disconnected", "conn_id", id, "username", session.Username, "sessions", len(r.sessions))

	if r.opts.AnnounceDepartures {
		r.fanout(UserLeftEvent{Username: session.Username, Roster: r.snapshot()})
	}
}

// fanout delivers evt to every session. Recipients whose delivery fails are
// evicted; with AnnounceDepartures their departure is fanned out in turn.
func (r *Relay) fanout(evt Event) {
	pending := []Event{evt}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]

		for _, session := range r.deliver(next) {
			r.remove(session)
			r.log.Warn("Session evicted after failed delivery", "conn_id", session.ID, "username", session.Username, "sessions", len(r.sessions))
			if r.opts.AnnounceDepartures {
				pending = append(pending, UserLeftEvent{Username: session.Username, Roster: r.snapshot()})
			}
		}
	}
}

func (r *Relay) deliver(evt Event) []*Session {
	var failed []*Session
	for _, session := range r.sessions {
		if err := safeDeliver(session.sink, evt); err != nil {
			r.log.Warn("Delivery failed", "conn_id", session.ID, "event", evt.Name(), "error", err)
			failed = append(failed, session)
		}
	}
	return failed
}

func safeDeliver(sink Sink, evt Event) (err error) {
	if sink == nil {
		return fmt.Errorf("%w: no sink", ErrTransportWrite)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic in sink: %v", ErrTransportWrite, p)
		}
	}()

	err = sink.Deliver(evt)
	if err != nil && !errors.Is(err, ErrTransportWrite) {
		err = fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	return err
}

func (r *Relay) remove(session *Session) {
	delete(r.sessions, session.ID)
	if session.sink != nil {
		session.sink.Close()
	}
}

func (r *Relay) snapshot() Roster {
	return lo.MapEntries(r.sessions, func(id ConnID, s *Session) (ConnID, string) {
		return id, s.Username
	})
}

func (r *Relay) closeSessions() {
	count := len(r.sessions)
	for _, session := range r.sessions {
		r.remove(session)
	}
	r.log.Info("Closed all sessions", "count", count)
}
