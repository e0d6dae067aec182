// Package protocol encodes and decodes the Engine.IO / Socket.IO frames spoken
// by Socket.IO clients over the WebSocket transport.
//
// A WebSocket text frame carries exactly one Engine.IO packet: a single type
// digit followed by an optional payload. Message packets ('4') in turn carry a
// Socket.IO packet: a type digit, an optional "/namespace," prefix, an optional
// numeric ack id and an optional JSON payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineType is an Engine.IO packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// SocketType is a Socket.IO packet type.
type SocketType byte

const (
	SocketConnect      SocketType = '0'
	SocketDisconnect   SocketType = '1'
	SocketEvent        SocketType = '2'
	SocketAck          SocketType = '3'
	SocketConnectError SocketType = '4'
	SocketBinaryEvent  SocketType = '5'
	SocketBinaryAck    SocketType = '6'
)

// DefaultNamespace is the only namespace the relay serves.
const DefaultNamespace = "/"

// NoAck marks a Socket.IO packet without an ack id.
const NoAck = -1

var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrUnknownType      = errors.New("unknown packet type")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrBinaryPacket     = errors.New("binary packets are not supported")
)

// EnginePacket is one Engine.IO packet.
type EnginePacket struct {
	Type EngineType
	Data []byte
}

// ParseEngine decodes a WebSocket text frame.
func ParseEngine(frame []byte) (EnginePacket, error) {
	if len(frame) == 0 {
		return EnginePacket{}, ErrEmptyFrame
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return EnginePacket{}, fmt.Errorf("%w: engine %q", ErrUnknownType, frame[0])
	}
	return EnginePacket{Type: t, Data: frame[1:]}, nil
}

// Encode returns the frame for p.
func (p EnginePacket) Encode() []byte {
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte(p.Type))
	return append(out, p.Data...)
}

// SocketPacket is one Socket.IO packet, the payload of an EngineMessage.
type SocketPacket struct {
	Type      SocketType
	Namespace string
	AckID     int
	Data      json.RawMessage
}

// ParseSocket decodes the payload of an EngineMessage packet.
func ParseSocket(data []byte) (SocketPacket, error) {
	if len(data) == 0 {
		return SocketPacket{}, ErrEmptyFrame
	}

	p := SocketPacket{Type: SocketType(data[0]), Namespace: DefaultNamespace, AckID: NoAck}
	switch p.Type {
	case SocketConnect, SocketDisconnect, SocketEvent, SocketAck, SocketConnectError:
	case SocketBinaryEvent, SocketBinaryAck:
		return SocketPacket{}, ErrBinaryPacket
	default:
		return SocketPacket{}, fmt.Errorf("%w: socket %q", ErrUnknownType, data[0])
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return SocketPacket{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPayload, err)
		}
		p.AckID = id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return SocketPacket{}, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Encode returns the full WebSocket frame (Engine.IO message prefix included).
func (p SocketPacket) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.AckID > NoAck {
		b.WriteString(strconv.Itoa(p.AckID))
	}
	b.Write(p.Data)
	return b.Bytes()
}

// Event decodes an EVENT payload into its name and raw arguments.
func (p SocketPacket) Event() (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: event: %v", ErrMalformedPayload, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPayload)
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrMalformedPayload, err)
	}
	return name, parts[1:], nil
}
