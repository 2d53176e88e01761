package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthTimeout      = errors.New("authentication timeout")
	ErrAuthInProgress   = errors.New("authentication already in progress")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrConnectAborted   = errors.New("connect aborted")
	ErrConnectRejected  = errors.New("connection rejected by server")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrBadResponse      = errors.New("malformed response")
	ErrInvalidConfig    = errors.New("invalid config")
)

// AuthError is returned by Authenticate when the server refuses the wallet.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrAuthRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuthRejected, e.Message)
}

// Unwrap allows errors.Is(err, ErrAuthRejected).
func (e *AuthError) Unwrap() error {
	return ErrAuthRejected
}

// Error codes carried by EventError.
const (
	CodeConnectionError      = "CONNECTION_ERROR"
	CodeMaxReconnectAttempts = "MAX_RECONNECT_ATTEMPTS"
	CodeTransportError       = "TRANSPORT_ERROR"
)

// Disconnect reasons carried by EventDisconnected.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// State is the connection state. Exactly one value holds at a time.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

func (s State) String() string {
	return string(s)
}

// Network selects the default server.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ConnectedEvent is emitted when the server acknowledges the connection.
type ConnectedEvent struct {
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// DisconnectedEvent is emitted when a live connection goes away.
type DisconnectedEvent struct {
	Reason string `json:"reason"`
}

// ReconnectingEvent is emitted each time a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

// ErrorEvent carries connection failures and server application errors.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthenticatedEvent is emitted after a successful authentication handshake.
type AuthenticatedEvent struct {
	Wallet string `json:"wallet"`
}

// Stats is a point-in-time view of a Manager.
type Stats struct {
	State             State
	ReconnectAttempts int
	MessagesReceived  int64
	EventsEmitted     int64
	ParseErrors       int64
	UnknownMessages   int64
	HandlerPanics     int64
	Listeners         int
}

// Outbound request payloads.

type priceSubscription struct {
	Asset string `json:"asset,omitempty"`
}

type pricesRequest struct {
	Assets []string `json:"assets"`
}

type assetSubscription struct {
	Asset string `json:"asset"`
}

type candleSubscription struct {
	Coin     string `json:"coin"`
	Interval string `json:"interval"`
}

type unsubscribeRequest struct {
	Room string `json:"room"`
}

type authRequest struct {
	Wallet string `json:"wallet"`
}

type authResponse struct {
	Wallet  string `json:"wallet"`
	Message string `json:"message"`
}
