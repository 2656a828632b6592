// Package udpconn implements a small connection-oriented messaging layer on
// top of UDP: a three-way handshake, wrap-around sequence freshness
// filtering, idle-liveness timeouts, and clean disconnect notification.
// Application payloads are opaque; callers supply Serialize/Deserialize for
// their own message type T.
package udpconn

import (
	"errors"
	"time"
)

// ErrBindFailed is returned by Dial/Listen when the local UDP socket
// couldn't be bound.
var ErrBindFailed = errors.New("udpconn: bind failed")

// ErrHandshakeFailed is returned by Dial when the handshake was rejected or
// exhausted its retries without an ACCEPT.
var ErrHandshakeFailed = errors.New("udpconn: handshake failed")

// State is a ClientEndpoint's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is the poll result discriminant of both endpoints (the client's
// Poll only ever reports EventDisconnected or EventMessage).
type Event int

const (
	EventConnected Event = iota
	EventDisconnected
	EventMessage
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventMessage:
		return "MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// receiveBufferSize is the datagram receive buffer used by both endpoints.
// The original Rust source uses inconsistent 255/1023-byte buffers at
// different call sites (per its upstream note); we settle on one value
// covering a conservative UDP MTU ceiling for both directions.
const receiveBufferSize = 1200

// readTimeout bounds the blocking recv call so reader tasks observe
// termination signals promptly, per the concurrency model's suspension-point
// requirement.
const readTimeout = time.Second

// ConnectionConfig carries the settings and (de)serializer functions shared
// by a ClientEndpoint or ServerEndpoint for one application message type T.
type ConnectionConfig[T any] struct {
	// ProtocolID is the 32-bit magic shared by both peers; any datagram
	// whose decoded protocol id doesn't match exactly is treated as if it
	// had not been received.
	ProtocolID uint32

	// TimeoutPeriod is the idle duration after which a silent peer is
	// considered gone.
	TimeoutPeriod time.Duration

	// Serialize converts an application value to wire bytes.
	Serialize func(T) []byte

	// Deserialize parses wire bytes into an application value, or reports
	// ok=false to reject them (the message is then discarded silently).
	Deserialize func([]byte) (value T, ok bool)
}

// ClientConnectConfig bounds the client-side handshake.
type ClientConnectConfig struct {
	// MaxConnectRetries is the number of handshake attempts before giving
	// up (minimum 1).
	MaxConnectRetries int

	// ConnectAttemptTimeout is how long to wait for a reply to each
	// handshake attempt before retrying (or giving up).
	ConnectAttemptTimeout time.Duration
}
