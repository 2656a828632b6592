// Package wire implements the on-the-wire framing for udpconn's connection
// protocol: a 7-byte header (protocol id, sequence id, packet type) followed
// by an optional payload, big-endian throughout.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type is the wire packet discriminant.
type Type uint8

const (
	Connect Type = iota
	Accept
	Reject
	Disconnect
	Message
)

func (t Type) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	case Disconnect:
		return "DISCONNECT"
	case Message:
		return "MESSAGE"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool {
	return t <= Message
}

// HeaderSize is the fixed size of the packet header, before any payload.
const HeaderSize = 4 + 2 + 1

// ErrMalformed is returned by Decode when the input is shorter than
// HeaderSize or carries a packet type outside {CONNECT..MESSAGE}.
var ErrMalformed = errors.New("wire: malformed packet")

// Packet is the decoded form of a single datagram.
type Packet struct {
	ProtocolID uint32
	SequenceID uint16
	Type       Type

	// Payload is only meaningful for Message; it must be nil for every
	// other type and is ignored by Encode otherwise.
	Payload []byte
}

// NewConnect builds a CONNECT packet.
func NewConnect(protocolID uint32, sequenceID uint16) Packet {
	return Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Connect}
}

// NewAccept builds an ACCEPT packet.
func NewAccept(protocolID uint32, sequenceID uint16) Packet {
	return Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Accept}
}

// NewReject builds a REJECT packet.
func NewReject(protocolID uint32, sequenceID uint16) Packet {
	return Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Reject}
}

// NewDisconnect builds a DISCONNECT packet.
func NewDisconnect(protocolID uint32, sequenceID uint16) Packet {
	return Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Disconnect}
}

// NewMessage builds a MESSAGE packet carrying payload, which may be empty
// but must not be nil-vs-empty distinguished on the wire (both encode the
// same way).
func NewMessage(protocolID uint32, sequenceID uint16, payload []byte) Packet {
	return Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Message, Payload: payload}
}

// Encode serializes p. Encode always succeeds for a well-formed Packet; it
// never emits trailing bytes for non-Message types.
func Encode(p Packet) []byte {
	n := HeaderSize
	if p.Type == Message {
		n += len(p.Payload)
	}
	b := make([]byte, n)
	binary.BigEndian.PutUint32(b[0:4], p.ProtocolID)
	binary.BigEndian.PutUint16(b[4:6], p.SequenceID)
	b[6] = byte(p.Type)
	if p.Type == Message {
		copy(b[HeaderSize:], p.Payload)
	}
	return b
}

// Decode parses b into a Packet. It fails with ErrMalformed if b is shorter
// than HeaderSize or its type byte isn't one of {CONNECT..MESSAGE}. For
// non-Message types, trailing bytes after the header are ignored. For
// Message, the payload is exactly the trailing bytes (possibly empty, but
// never nil, so callers can distinguish "no payload sent" only by Type).
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrMalformed
	}
	t := Type(b[6])
	if !t.valid() {
		return Packet{}, ErrMalformed
	}
	p := Packet{
		ProtocolID: binary.BigEndian.Uint32(b[0:4]),
		SequenceID: binary.BigEndian.Uint16(b[4:6]),
		Type:       t,
	}
	if t == Message {
		p.Payload = append([]byte{}, b[HeaderSize:]...)
	}
	return p, nil
}
