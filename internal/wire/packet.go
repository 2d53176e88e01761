package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO packet types (carried inside an EngineMessage).
const (
	SocketConnect      byte = '0'
	SocketDisconnect   byte = '1'
	SocketEvent        byte = '2'
	SocketAck          byte = '3'
	SocketConnectError byte = '4'
	SocketBinaryEvent  byte = '5'
	SocketBinaryAck    byte = '6'
)

// NoAck marks a packet that carries no ack id.
const NoAck int64 = -1

// Errors
var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrBadPacket   = errors.New("malformed packet")
	ErrUnsupported = errors.New("unsupported packet type")
	ErrBadURL      = errors.New("invalid server url")
)

// Packet is a decoded frame.
type Packet struct {
	Engine    byte   // Engine.IO type
	Type      byte   // Socket.IO type, zero unless Engine == EngineMessage
	Namespace string // "/" unless the frame names another namespace
	AckID     int64  // NoAck when absent
	Data      []byte // JSON payload, may be empty
}

// OpenPayload is the body of an Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// HeartbeatTimeout is how long the client may go without a server ping
// before the transport is considered stale.
func (o OpenPayload) HeartbeatTimeout() time.Duration {
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// ConnectPayload is the body of a Socket.IO CONNECT ack.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// ConnectErrorPayload is the body of a Socket.IO CONNECT_ERROR.
type ConnectErrorPayload struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses a single text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, ErrEmptyFrame
	}

	p := Packet{
		Engine:    frame[0],
		Namespace: "/",
		AckID:     NoAck,
	}

	switch p.Engine {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		p.Data = frame[1:]
		return p, nil
	case EngineMessage:
	default:
		return Packet{}, fmt.Errorf("%w: engine type %q", ErrUnsupported, p.Engine)
	}

	if len(frame) < 2 {
		return Packet{}, fmt.Errorf("%w: message without socket type", ErrBadPacket)
	}
	p.Type = frame[1]
	switch p.Type {
	case SocketConnect, SocketDisconnect, SocketEvent, SocketAck, SocketConnectError:
	case SocketBinaryEvent, SocketBinaryAck:
		return Packet{}, fmt.Errorf("%w: binary packets", ErrUnsupported)
	default:
		return Packet{}, fmt.Errorf("%w: socket type %q", ErrBadPacket, p.Type)
	}

	rest := frame[2:]

	if len(rest) > 0 && rest[0] == '/' {
		end := strings.IndexByte(string(rest), ',')
		if end < 0 {
			// A namespace with no payload, e.g. "41/admin"
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
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrBadPacket, err)
		}
		p.AckID = id
		rest = rest[digits:]
	}

	p.Data = rest
	return p, nil
}

// Event splits an EVENT packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Engine != EngineMessage || p.Type != SocketEvent {
		return "", nil, fmt.Errorf("%w: not an event", ErrBadPacket)
	}

	args, err := p.Args()
	if err != nil {
		return "", nil, err
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrBadPacket)
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrBadPacket, err)
	}

	return name, args[1:], nil
}

// Args decodes the JSON array carried by EVENT and ACK packets.
func (p Packet) Args() ([]json.RawMessage, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	return args, nil
}

// EncodeConnect builds the client CONNECT packet for the default namespace.
// auth is optional and sent as the handshake payload when non-nil.
func EncodeConnect(auth any) ([]byte, error) {
	frame := []byte{EngineMessage, SocketConnect}
	if auth == nil {
		return frame, nil
	}

	data, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("marshal connect payload: %w", err)
	}
	return append(frame, data...), nil
}

// EncodeEvent builds an EVENT packet. Pass NoAck when no callback is expected.
func EncodeEvent(name string, ackID int64, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event %q: %w", name, err)
	}

	frame := []byte{EngineMessage, SocketEvent}
	if ackID != NoAck {
		frame = strconv.AppendInt(frame, ackID, 10)
	}
	return append(frame, data...), nil
}

// EncodeAck builds an ACK packet answering a server-issued ack id.
func EncodeAck(ackID int64, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal ack %d: %w", ackID, err)
	}

	frame := []byte{EngineMessage, SocketAck}
	frame = strconv.AppendInt(frame, ackID, 10)
	return append(frame, data...), nil
}

// EncodeDisconnect builds the client DISCONNECT packet.
func EncodeDisconnect() []byte {
	return []byte{EngineMessage, SocketDisconnect}
}

// EncodePong builds the Engine.IO pong sent in reply to a server ping.
func EncodePong() []byte {
	return []byte{EnginePong}
}

// Endpoint converts a server base URL into the websocket endpoint.
// http/https are mapped to ws/wss; existing query parameters are kept.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrBadURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"

	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), nil
}
