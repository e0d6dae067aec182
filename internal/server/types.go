// Package server defines the client-to-relay event names and utility helpers
// that are reused across client and handler logic.
package server

import (
	"errors"
	"net"
	"strings"
)

// Events a client may emit.
const (
	eventSendMessage  = "sendMessage"
	eventSendUsername = "sendUsername"
)

// Engine.IO protocol revisions understood by the relay.
const (
	engineV3 = 3
	engineV4 = 4
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
