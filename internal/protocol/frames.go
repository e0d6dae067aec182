package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Handshake is the Engine.IO open payload.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// ConnectAuth is the handshake payload a client attaches to CONNECT.
type ConnectAuth struct {
	Username string `json:"username"`
}

// OpenFrame builds the first frame of every session.
func OpenFrame(sid string, pingInterval, pingTimeout time.Duration, maxPayload int64) ([]byte, error) {
	data, err := json.Marshal(Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding handshake: %w", err)
	}
	return EnginePacket{Type: EngineOpen, Data: data}.Encode(), nil
}

// ConnectAckFrame acknowledges a CONNECT to the default namespace. An empty
// sid produces the bare v3 form "40".
func ConnectAckFrame(sid string) ([]byte, error) {
	p := SocketPacket{Type: SocketConnect, AckID: NoAck}
	if sid != "" {
		data, err := json.Marshal(map[string]string{"sid": sid})
		if err != nil {
			return nil, fmt.Errorf("encoding connect ack: %w", err)
		}
		p.Data = data
	}
	return p.Encode(), nil
}

// ConnectErrorFrame rejects a CONNECT.
func ConnectErrorFrame(namespace, message string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, fmt.Errorf("encoding connect error: %w", err)
	}
	return SocketPacket{Type: SocketConnectError, Namespace: namespace, AckID: NoAck, Data: data}.Encode(), nil
}

// EventFrame builds an EVENT frame: 42["name",arg1,arg2,...].
func EventFrame(name string, args ...any) ([]byte, error) {
	data, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", name, err)
	}
	return SocketPacket{Type: SocketEvent, AckID: NoAck, Data: data}.Encode(), nil
}

// AckFrame answers an EVENT that carried ack id.
func AckFrame(id int, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding ack %d: %w", id, err)
	}
	return SocketPacket{Type: SocketAck, AckID: id, Data: data}.Encode(), nil
}

// DecodeConnectAuth reads the username from a CONNECT payload. A missing or
// non-object payload yields an empty ConnectAuth.
func DecodeConnectAuth(data json.RawMessage) ConnectAuth {
	var auth ConnectAuth
	if len(data) == 0 {
		return auth
	}
	if err := json.Unmarshal(data, &auth); err != nil {
		return ConnectAuth{}
	}
	return auth
}

// StringArg decodes args[i] as a string.
func StringArg(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrMalformedPayload, i)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("%w: argument %d is not a string", ErrMalformedPayload, i)
	}
	return s, nil
}
