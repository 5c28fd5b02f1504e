package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrNotReady        = errors.New("connection not ready")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrSessionClosed   = errors.New("session closed")
	errAuthRejected    = errors.New("authorization rejected")
	errForcedReconnect = errors.New("reconnect requested by watchdog")
)

// Role identifies which side of the relay a supervisor drives.
type Role string

const (
	RoleSource      Role = "source"
	RoleDestination Role = "destination"
)

// Status is the supervisor lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthorizing
	StatusReady
	StatusClosing
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthorizing:
		return "authorizing"
	case StatusReady:
		return "ready"
	case StatusClosing:
		return "closing"
	default:
		return "invalid"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // Venue WebSocket URL including app_id query
	WriteTimeout time.Duration // Write deadline for sends
	StaleAfter   time.Duration // Max silence before IsAlive reports false
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		StaleAfter:   60 * time.Second,
		BufferSize:   1000,
	}
}

// Venue request shapes emitted by the supervisor.

type authorizeRequest struct {
	Authorize string `json:"authorize"`
}

type loginListRequest struct {
	MT5LoginList int `json:"mt5_login_list"`
}

type subscribeRequest struct {
	Transaction int    `json:"transaction"`
	Subscribe   int    `json:"subscribe"`
	LoginID     string `json:"loginid"`
}

type pingRequest struct {
	Ping int `json:"ping"`
}

type pongRequest struct {
	Pong int `json:"pong"`
}
