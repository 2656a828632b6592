package wire

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, p := range []Packet{
		NewConnect(0xDEADBEEF, 1),
		NewAccept(0xDEADBEEF, 2),
		NewReject(0xDEADBEEF, 3),
		NewDisconnect(0xDEADBEEF, 65535),
		NewMessage(0xDEADBEEF, 4, nil),
		NewMessage(0xDEADBEEF, 5, []byte{}),
		NewMessage(0xDEADBEEF, 6, []byte{0x01, 0x02, 0x03}),
	} {
		b := Encode(p)
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", p, err)
		}
		if got.ProtocolID != p.ProtocolID || got.SequenceID != p.SequenceID || got.Type != p.Type {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
		}
		if p.Type == Message && !bytes.Equal(got.Payload, p.Payload) {
			t.Errorf("round trip payload mismatch: got %v, want %v", got.Payload, p.Payload)
		}
	}
}

func TestEncodeNonMessageOmitsPayload(t *testing.T) {
	b := Encode(NewConnect(1, 1))
	if len(b) != HeaderSize {
		t.Errorf("expected encoded CONNECT to be exactly %d bytes, got %d", HeaderSize, len(b))
	}
}

func TestDecodeIgnoresTrailingBytesOnNonMessage(t *testing.T) {
	b := Encode(NewAccept(1, 1))
	b = append(b, 0xFF, 0xFF, 0xFF)
	p, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Type != Accept {
		t.Errorf("expected ACCEPT, got %v", p.Type)
	}
}

func TestDecodeTooShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := Decode(make([]byte, n)); err != ErrMalformed {
			t.Errorf("decode(%d bytes): expected ErrMalformed, got %v", n, err)
		}
	}
}

func TestDecodeInvalidType(t *testing.T) {
	for _, typ := range []byte{5, 6, 200, 255} {
		b := Encode(NewConnect(1, 1))
		b[6] = typ
		if _, err := Decode(b); err != ErrMalformed {
			t.Errorf("decode with type byte %d: expected ErrMalformed, got %v", typ, err)
		}
	}
}

func FuzzRoundTrip(f *testing.F) {
	f.Add(uint32(0), uint16(0), uint8(0), []byte(nil))
	f.Add(uint32(0xDEADBEEF), uint16(65535), uint8(4), []byte{1, 2, 3})

	f.Fuzz(func(t *testing.T, protocolID uint32, sequenceID uint16, typ uint8, payload []byte) {
		typ %= 5
		var p Packet
		if Type(typ) == Message {
			p = NewMessage(protocolID, sequenceID, payload)
		} else {
			p = Packet{ProtocolID: protocolID, SequenceID: sequenceID, Type: Type(typ)}
		}

		got, err := Decode(Encode(p))
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", p, err)
		}
		if got.ProtocolID != p.ProtocolID || got.SequenceID != p.SequenceID || got.Type != p.Type {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
		}
	})
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0, 0, 0})
	f.Add([]byte{0, 0, 0, 0, 0, 0, 4, 1, 2, 3})
	f.Add([]byte{0, 0, 0, 0, 0, 0, 200})

	f.Fuzz(func(t *testing.T, b []byte) {
		p, err := Decode(b)
		if err != nil {
			return
		}
		if len(b) < HeaderSize {
			t.Fatalf("decode accepted %d bytes, shorter than HeaderSize", len(b))
		}
		if !p.Type.valid() {
			t.Fatalf("decode accepted invalid type %v", p.Type)
		}
	})
}
