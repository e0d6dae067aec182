package server_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

const (
	testOrigin  = "http://localhost:3000"
	readTimeout = 2 * time.Second
)

func testConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.RateLimitBurst = 200
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

type testRelay struct {
	srv   *server.Server
	core  *relay.Relay
	http  *httptest.Server
	wsURL string
}

// startTestRelay runs a relay and its WebSocket edge behind an httptest server.
func startTestRelay(t *testing.T, cfg server.Config, opts relay.Options) *testRelay {
	t.Helper()

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	core := relay.New(log, opts)
	go core.Run()

	srv := server.New(cfg, core, log)
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		_ = core.Shutdown(time.Second)
	})

	return &testRelay{
		srv:   srv,
		core:  core,
		http:  ts,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/",
	}
}

var errReadTimeout = errors.New("timed out waiting for a frame")

// testSocket is a client connection whose frames are read by a single
// goroutine, so waiting for a frame never touches the connection's deadlines.
type testSocket struct {
	t      *testing.T
	conn   *websocket.Conn
	sid    string
	frames chan string
	err    error // set before frames is closed
}

func newTestSocket(t *testing.T, conn *websocket.Conn) *testSocket {
	s := &testSocket{t: t, conn: conn, frames: make(chan string, 1024)}
	go s.readLoop()
	return s
}

// readLoop forwards every frame except Engine.IO pings until the connection
// fails.
func (s *testSocket) readLoop() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		if string(data) == "2" {
			continue
		}
		s.frames <- string(data)
	}
}

// dialSocket opens a WebSocket to the relay with the given extra query.
func dialSocket(t *testing.T, tr *testRelay, query string) *testSocket {
	t.Helper()
	conn, err := dial(tr.wsURL+"?EIO=4&transport=websocket"+query, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return newTestSocket(t, conn)
}

func dial(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// join reads the open frame, connects with username and waits for the ack.
func (s *testSocket) join(username string) *testSocket {
	s.t.Helper()
	s.expectOpen()
	s.send(`40{"username":` + mustJSON(s.t, username) + `}`)
	s.sid = s.expectConnectAck()
	return s
}

func (s *testSocket) expectOpen() protocol.Handshake {
	s.t.Helper()
	frame := s.next()
	require.True(s.t, strings.HasPrefix(frame, "0"), "expected open frame, got %q", frame)

	var hs protocol.Handshake
	require.NoError(s.t, json.Unmarshal([]byte(frame[1:]), &hs))
	return hs
}

func (s *testSocket) expectConnectAck() string {
	s.t.Helper()
	frame := s.next()
	require.True(s.t, strings.HasPrefix(frame, "40"), "expected connect ack, got %q", frame)

	var ack struct {
		SID string `json:"sid"`
	}
	require.NoError(s.t, json.Unmarshal([]byte(frame[2:]), &ack))
	require.NotEmpty(s.t, ack.SID)
	return ack.SID
}

func (s *testSocket) send(frame string) {
	s.t.Helper()
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *testSocket) emit(name string, args ...any) {
	s.t.Helper()
	frame, err := protocol.EventFrame(name, args...)
	require.NoError(s.t, err)
	s.send(string(frame))
}

// read returns the next frame that is not an Engine.IO ping. A timeout leaves
// the socket usable.
func (s *testSocket) read(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-s.frames:
		if !ok {
			return "", fmt.Errorf("connection closed: %w", s.err)
		}
		return frame, nil
	case <-timer.C:
		return "", errReadTimeout
	}
}

func (s *testSocket) next() string {
	s.t.Helper()
	frame, err := s.read(readTimeout)
	require.NoError(s.t, err)
	return frame
}

// expectEvent reads frames until an event called name arrives and returns
// its arguments.
func (s *testSocket) expectEvent(name string) []json.RawMessage {
	s.t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		frame, err := s.read(time.Until(deadline))
		require.NoError(s.t, err, "waiting for %s", name)
		if got, args, ok := parseEvent(frame); ok && got == name {
			return args
		}
	}
	s.t.Fatalf("timed out waiting for %s", name)
	return nil
}

// expectNoEvent fails if an event called name arrives within timeout. Other
// frames read meanwhile are discarded.
func (s *testSocket) expectNoEvent(name string, timeout time.Duration) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		frame, err := s.read(time.Until(deadline))
		if err != nil {
			return
		}
		if got, _, ok := parseEvent(frame); ok && got == name {
			s.t.Fatalf("unexpected %s event: %s", name, frame)
		}
	}
}

func parseEvent(frame string) (string, []json.RawMessage, bool) {
	if !strings.HasPrefix(frame, "42") {
		return "", nil, false
	}
	p, err := protocol.ParseSocket([]byte(frame[1:]))
	if err != nil {
		return "", nil, false
	}
	name, args, err := p.Event()
	if err != nil {
		return "", nil, false
	}
	return name, args, true
}

type receivedMessage struct {
	ID       string
	Username string
	Text     string
}

func (s *testSocket) expectMessage() receivedMessage {
	s.t.Helper()
	args := s.expectEvent(relay.EventReceiveMessage)
	require.Len(s.t, args, 3)

	var m receivedMessage
	require.NoError(s.t, json.Unmarshal(args[0], &m.ID))
	require.NoError(s.t, json.Unmarshal(args[1], &m.Username))
	require.NoError(s.t, json.Unmarshal(args[2], &m.Text))
	return m
}

func (s *testSocket) expectNewUser() (string, map[string]string) {
	s.t.Helper()
	args := s.expectEvent(relay.EventReceiveNewUser)
	require.Len(s.t, args, 2)

	var username string
	var roster map[string]string
	require.NoError(s.t, json.Unmarshal(args[0], &username))
	require.NoError(s.t, json.Unmarshal(args[1], &roster))
	return username, roster
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func getRoster(t *testing.T, tr *testRelay) map[string]string {
	t.Helper()
	resp, err := http.Get(tr.http.URL + "/roster")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var roster map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	return roster
}

func user(i int) string { return fmt.Sprintf("user-%d", i) }
