package udpconn

import (
	"net"
	"testing"
	"time"

	"github.com/r2northstar/udpconn/pkg/wire"
)

func newRawPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) wire.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	p, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	return p
}

func pollUntil(t *testing.T, s *ServerEndpoint[[]byte], timeout time.Duration, want Event) (PeerAddr, []byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev, peer, value, ok := s.Poll()
		if ok {
			if ev != want {
				t.Fatalf("poll event = %v, want %v", ev, want)
			}
			return peer, value
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", want)
	return "", nil
}

func bytesConfig(protocolID uint32, timeout time.Duration) ConnectionConfig[[]byte] {
	return ConnectionConfig[[]byte]{
		ProtocolID:    protocolID,
		TimeoutPeriod: timeout,
		Serialize:     func(b []byte) []byte { return b },
		Deserialize:   func(b []byte) ([]byte, bool) { return b, true },
	}
}

func TestServerDuplicateConnect(t *testing.T) {
	s, err := Listen("127.0.0.1:0", bytesConfig(121, 5*time.Second))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	peer := newRawPeer(t)
	serverAddr := s.conn.LocalAddr().(*net.UDPAddr)

	peer.WriteToUDP(wire.Encode(wire.NewConnect(121, 1)), serverAddr)
	peer.WriteToUDP(wire.Encode(wire.NewConnect(121, 2)), serverAddr)

	pollUntil(t, s, 2*time.Second, EventConnected)
	readPacket(t, peer, 2*time.Second) // ACCEPT

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if ev, _, _, ok := s.Poll(); ok {
			t.Fatalf("expected no second event, got %v", ev)
		}
	}

	if n := len(s.AllConnections()); n != 1 {
		t.Fatalf("AllConnections() = %d, want 1", n)
	}
}

func TestServerCull(t *testing.T) {
	s, err := Listen("127.0.0.1:0", bytesConfig(121, 0))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	serverAddr := s.conn.LocalAddr().(*net.UDPAddr)
	p1, p2 := newRawPeer(t), newRawPeer(t)

	p1.WriteToUDP(wire.Encode(wire.NewConnect(121, 1)), serverAddr)
	p2.WriteToUDP(wire.Encode(wire.NewConnect(121, 1)), serverAddr)

	pollUntil(t, s, 2*time.Second, EventConnected)
	pollUntil(t, s, 2*time.Second, EventConnected)

	time.Sleep(20 * time.Millisecond)

	evicted := s.Cull()
	if len(evicted) != 2 {
		t.Fatalf("Cull() evicted %d peers, want 2", len(evicted))
	}
	if n := len(s.AllConnections()); n != 0 {
		t.Fatalf("AllConnections() = %d, want 0 after cull", n)
	}
}

func TestServerMessageRouting(t *testing.T) {
	s, err := Listen("127.0.0.1:0", bytesConfig(121, 5*time.Second))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	serverAddr := s.conn.LocalAddr().(*net.UDPAddr)
	p1, p2 := newRawPeer(t), newRawPeer(t)

	p1.WriteToUDP(wire.Encode(wire.NewConnect(121, 1)), serverAddr)
	key1, _ := pollUntil(t, s, 2*time.Second, EventConnected)
	readPacket(t, p1, 2*time.Second)

	p2.WriteToUDP(wire.Encode(wire.NewConnect(121, 1)), serverAddr)
	_, _ = pollUntil(t, s, 2*time.Second, EventConnected)
	readPacket(t, p2, 2*time.Second)

	if key1 == "" {
		t.Fatal("expected non-empty peer key")
	}

	s.SendToAll([]byte("hello"))

	m1 := readPacket(t, p1, 2*time.Second)
	m2 := readPacket(t, p2, 2*time.Second)

	if m1.Type != wire.Message || string(m1.Payload) != "hello" {
		t.Errorf("p1 got %+v, want MESSAGE \"hello\"", m1)
	}
	if m2.Type != wire.Message || string(m2.Payload) != "hello" {
		t.Errorf("p2 got %+v, want MESSAGE \"hello\"", m2)
	}
}
