package udpconn

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/r2northstar/udpconn/pkg/metricsx"
	"github.com/r2northstar/udpconn/pkg/seqtrack"
	"github.com/r2northstar/udpconn/pkg/wire"
	"github.com/rs/zerolog"
)

// PeerAddr identifies a connected peer by a stable (ip, port) key, as
// returned by net.UDPAddr.String(). It covers both IPv4 and IPv6 peers and
// is used as the server's peer-map key and as the public address handle
// returned to callers.
type PeerAddr = string

// peerRecord is the server's per-peer state: the peer's address, an
// absolute expiry timestamp, and a sequence tracker. The tracker does
// double duty: its lastReceived half tracks inbound freshness, and its
// lastSent half gives the server one outbound sequence per peer (see
// DESIGN.md's resolution of the matching Open Question).
type peerRecord struct {
	addr   *net.UDPAddr
	expiry time.Time
	seq    seqtrack.Tracker
}

type inboundItem struct {
	pkt  wire.Packet
	addr *net.UDPAddr
}

type outboundItem struct {
	pkt  wire.Packet
	addr *net.UDPAddr
}

// ServerEndpoint accepts connections from many clients: it runs the
// accept/reject side of the handshake, tracks a set of peers, routes
// outbound messages to one/many/all of them, culls silent peers, and
// surfaces inbound events.
//
// A ServerEndpoint owns its socket, its reader/writer background tasks, and
// its peer map exclusively; the peer map and its trackers are mutated only
// from the goroutine that calls Poll/Cull/SendTo*/Close.
type ServerEndpoint[T any] struct {
	cfg  ConnectionConfig[T]
	log  zerolog.Logger
	m    *serverMetrics
	conn *net.UDPConn

	peers map[PeerAddr]*peerRecord

	inbound  chan inboundItem
	outbound chan outboundItem
	done     chan struct{}
	closed   bool
}

// ServerOption configures optional ambient behavior of a ServerEndpoint.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger zerolog.Logger
}

// WithServerLogger attaches a zerolog.Logger to the endpoint. Without this
// option, a disabled (no-op) logger is used.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// Listen binds a UDP socket to localAddr, spawns the reader/writer tasks,
// and returns a handle ready to Poll. It fails with ErrBindFailed if the
// socket couldn't be bound.
func Listen[T any](localAddr string, cfg ConnectionConfig[T], opts ...ServerOption) (*ServerEndpoint[T], error) {
	o := serverOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve local addr: %v", ErrBindFailed, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	s := &ServerEndpoint[T]{
		cfg:      cfg,
		log:      o.logger,
		conn:     conn,
		peers:    make(map[PeerAddr]*peerRecord),
		inbound:  make(chan inboundItem, 1024),
		outbound: make(chan outboundItem, 1024),
		done:     make(chan struct{}),
	}
	s.m = newServerMetrics()

	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

// Poll is non-blocking. It drains the inbound queue until it can surface
// exactly one meaningful event, or the queue is empty.
func (s *ServerEndpoint[T]) Poll() (event Event, peer PeerAddr, value T, ok bool) {
	for {
		select {
		case item := <-s.inbound:
			p, addr := item.pkt, item.addr
			key := addr.String()

			switch p.Type {
			case wire.Connect:
				if _, known := s.peers[key]; known {
					continue
				}
				rec := &peerRecord{addr: addr, expiry: time.Now().Add(s.cfg.TimeoutPeriod)}
				s.peers[key] = rec
				s.m.peers.Set(uint64(len(s.peers)))

				seq := rec.seq.NextSent()
				s.enqueueOutbound(wire.NewAccept(s.cfg.ProtocolID, seq), addr)
				s.log.Info().Str("peer", key).Msg("peer connected")
				return EventConnected, key, value, true

			case wire.Disconnect:
				if _, known := s.peers[key]; !known {
					continue
				}
				delete(s.peers, key)
				s.m.peers.Set(uint64(len(s.peers)))
				s.log.Info().Str("peer", key).Msg("peer disconnected")
				return EventDisconnected, key, value, true

			case wire.Message:
				rec, known := s.peers[key]
				if !known {
					s.m.rxUnknownPeer.Inc()
					continue
				}
				if !rec.seq.IsNewer(p.SequenceID) {
					s.m.rxStale.Inc()
					continue
				}
				v, ok := s.cfg.Deserialize(p.Payload)
				if !ok {
					s.m.rxRejected.Inc()
					continue
				}
				rec.seq.SetNewest(p.SequenceID)
				rec.expiry = time.Now().Add(s.cfg.TimeoutPeriod)
				s.m.rxMessages.Inc()
				return EventMessage, key, v, true

			default:
				continue
			}
		default:
			return 0, "", value, false
		}
	}
}

// Cull evicts every peer whose expiry has passed and returns their
// addresses. It is idempotent and never blocks.
func (s *ServerEndpoint[T]) Cull() []PeerAddr {
	now := time.Now()
	var evicted []PeerAddr
	for key, rec := range s.peers {
		if rec.expiry.Before(now) {
			delete(s.peers, key)
			evicted = append(evicted, key)
		}
	}
	if len(evicted) > 0 {
		s.m.peers.Set(uint64(len(s.peers)))
		s.m.culled.Add(len(evicted))
		s.log.Info().Strs("peers", evicted).Msg("culled idle peers")
	}
	return evicted
}

// SendTo serializes value and enqueues it as a MESSAGE to peer, allocating a
// fresh per-peer sequence id. It returns false without enqueuing if peer is
// not currently known.
func (s *ServerEndpoint[T]) SendTo(peer PeerAddr, value T) bool {
	rec, known := s.peers[peer]
	if !known {
		return false
	}
	seq := rec.seq.NextSent()
	s.enqueueOutbound(wire.NewMessage(s.cfg.ProtocolID, seq, s.cfg.Serialize(value)), rec.addr)
	return true
}

// SendToMany calls SendTo for each of peers; there is no atomicity between
// the individual sends.
func (s *ServerEndpoint[T]) SendToMany(peers []PeerAddr, value T) {
	for _, p := range peers {
		s.SendTo(p, value)
	}
}

// SendToAll sends value to every currently known peer, operating on a
// snapshot of the peer map taken by AllConnections before the first send
// (e.g. a CONNECT arriving mid-send would not be reflected).
func (s *ServerEndpoint[T]) SendToAll(value T) {
	s.SendToMany(s.AllConnections(), value)
}

// AllConnections returns a snapshot of currently known peer addresses.
func (s *ServerEndpoint[T]) AllConnections() []PeerAddr {
	out := make([]PeerAddr, 0, len(s.peers))
	for key := range s.peers {
		out = append(out, key)
	}
	return out
}

// Close signals the reader task to stop and closes the outbound queue so
// the writer task exits once it has drained.
func (s *ServerEndpoint[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.outbound)
	s.conn.Close()
}

func (s *ServerEndpoint[T]) enqueueOutbound(p wire.Packet, addr *net.UDPAddr) {
	if s.closed {
		return
	}
	select {
	case s.outbound <- outboundItem{pkt: p, addr: addr}:
	default:
		s.log.Warn().Str("type", p.Type.String()).Str("peer", addr.String()).Msg("outbound queue full, dropping packet")
	}
}

// readLoop is the server's reader task: unlike the client's, it applies no
// source-address filter (any source may deliver a packet), only the
// protocol-id filter. No per-peer timeout clock is maintained here; expiry
// is enforced by Cull.
func (s *ServerEndpoint[T]) readLoop() {
	buf := make([]byte, receiveBufferSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		p, err := wire.Decode(buf[:n])
		if err != nil {
			s.m.rxMalformed.Inc()
			continue
		}
		if p.ProtocolID != s.cfg.ProtocolID {
			s.m.rxWrongProtocol.Inc()
			continue
		}
		s.m.rxTotal.Inc()

		select {
		case s.inbound <- inboundItem{pkt: p, addr: addr}:
		case <-s.done:
			return
		}
	}
}

// writeLoop is the server's writer task: it consumes (packet, destination)
// tuples and sends them to the given address.
func (s *ServerEndpoint[T]) writeLoop() {
	for item := range s.outbound {
		b := wire.Encode(item.pkt)
		n, err := s.conn.WriteToUDP(b, item.addr)
		if err != nil {
			s.m.txErrors.Inc()
			s.log.Warn().Err(err).Str("type", item.pkt.Type.String()).Str("peer", item.addr.String()).Msg("udp send failed")
			continue
		}
		s.m.txTotal.Inc()
		s.m.txBytes.Add(n)
	}
}

type serverMetrics struct {
	set             *metrics.Set
	peers           *metrics.Counter
	culled          *metrics.Counter
	rxTotal         *metrics.Counter
	rxMessages      *metrics.Counter
	rxStale         *metrics.Counter
	rxRejected      *metrics.Counter
	rxUnknownPeer   *metrics.Counter
	rxMalformed     *metrics.Counter
	rxWrongProtocol *metrics.Counter
	txTotal         *metrics.Counter
	txBytes         *metrics.Counter
	txErrors        *metrics.Counter
}

func serverRxDropReason(reason string) string {
	return metricsx.DropReasonName(`udpconn_server_rx_dropped_total`, reason)
}

func newServerMetrics() *serverMetrics {
	s := metrics.NewSet()
	return &serverMetrics{
		set:             s,
		peers:           s.NewCounter(`udpconn_server_peers`),
		culled:          s.NewCounter(`udpconn_server_peers_culled_total`),
		rxTotal:         s.NewCounter(`udpconn_server_rx_total`),
		rxMessages:      s.NewCounter(`udpconn_server_rx_messages_total`),
		rxStale:         s.NewCounter(serverRxDropReason("stale")),
		rxRejected:      s.NewCounter(serverRxDropReason("deserialize_rejected")),
		rxUnknownPeer:   s.NewCounter(serverRxDropReason("unknown_peer")),
		rxMalformed:     s.NewCounter(serverRxDropReason("malformed")),
		rxWrongProtocol: s.NewCounter(serverRxDropReason("wrong_protocol_id")),
		txTotal:         s.NewCounter(`udpconn_server_tx_total`),
		txBytes:         s.NewCounter(`udpconn_server_tx_bytes_total`),
		txErrors:        s.NewCounter(`udpconn_server_tx_errors_total`),
	}
}

// WritePrometheus writes the endpoint's metric set in Prometheus text
// exposition format.
func (s *ServerEndpoint[T]) WritePrometheus(w io.Writer) {
	s.m.set.WritePrometheus(w)
}
