// internal/protocol/protocol.go
package protocol

import (
	"context"
	"strings"
	"time"
)

// ConnectionState represents the lifecycle state of an adapter
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lower-case state name
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProtocolType is the closed set of supported adapters
type ProtocolType string

const (
	TypeTCPClient ProtocolType = "tcp_client"
	TypeTCPServer ProtocolType = "tcp_server"
	TypeSerial    ProtocolType = "serial"
	TypeWebSocket ProtocolType = "websocket"
	TypeHTTP      ProtocolType = "http"
	TypeModbusTCP ProtocolType = "modbus_tcp"
)

// ProtocolTypes lists every supported adapter type
func ProtocolTypes() []ProtocolType {
	return []ProtocolType{TypeTCPClient, TypeTCPServer, TypeSerial, TypeWebSocket, TypeHTTP, TypeModbusTCP}
}

// ParseProtocolType converts a configuration string into a ProtocolType
func ParseProtocolType(s string) (ProtocolType, error) {
	candidate := ProtocolType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range ProtocolTypes() {
		if t == candidate {
			return t, nil
		}
	}
	return "", newError(KindConfiguration, "parse_type", "unsupported protocol type: %s", s)
}

// Connection is the lifecycle and send/receive contract every adapter implements
type Connection interface {
	Type() ProtocolType

	// Connect acquires the transport. On failure the state is StateError and
	// the error callback has fired once.
	Connect(ctx context.Context, cfg Config) error
	// Disconnect releases the transport, resets the state and clears callbacks.
	// It is safe to call repeatedly.
	Disconnect() error

	// Send never blocks on a full internal queue
	Send(payload interface{}) error
	// Receive waits up to timeout for the next inbound payload
	Receive(timeout time.Duration) (interface{}, bool)

	IsConnected() bool
	State() ConnectionState
	Config() Config
	Stats() Stats

	OnConnect(fn func())
	OnDisconnect(fn func())
	OnError(fn func(err error))
	OnReceive(fn func(data interface{}))
	HasErrorHandler() bool

	SetObserver(observer Observer)
}

// Callbacks holds the single handler registered for each contract event
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)
	OnReceive    func(data interface{})
}

// EventKind identifies a lifecycle notification delivered to an Observer
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventError        EventKind = "error"
	EventSent         EventKind = "sent"
	EventReceived     EventKind = "received"
)

// Event is a lifecycle notification
type Event struct {
	Kind     EventKind
	Protocol ProtocolType
	State    ConnectionState
	Bytes    int
	Err      error
	Time     time.Time
}

// Observer receives lifecycle notifications. It survives Disconnect.
type Observer func(Event)

// Stats represents transfer statistics of an adapter
type Stats struct {
	BytesWritten   uint64    `json:"bytes_written"`
	BytesRead      uint64    `json:"bytes_read"`
	OperationCount uint64    `json:"operation_count"`
	ErrorCount     uint64    `json:"error_count"`
	LastActivity   time.Time `json:"last_activity"`
	IsConnected    bool      `json:"is_connected"`
}
