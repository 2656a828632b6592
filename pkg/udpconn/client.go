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

// ClientEndpoint is a single-target UDP client: it drives the connection
// handshake, surfaces inbound application messages via Poll, sends outbound
// messages via Send, and detects peer silence.
//
// A ClientEndpoint owns its socket and its reader/writer background tasks
// exclusively; its sequence tracker and connection state are mutated only
// from the goroutine that calls Dial/Poll/Send/Close (the "application
// thread" of the concurrency model).
type ClientEndpoint[T any] struct {
	cfg  ConnectionConfig[T]
	log  zerolog.Logger
	m    *clientMetrics
	conn *net.UDPConn

	remote *net.UDPAddr
	seq    seqtrack.Tracker
	state  State

	inbound  chan wire.Packet
	outbound chan wire.Packet
	done     chan struct{}
	closed   bool
}

// ClientOption configures optional ambient behavior of a ClientEndpoint.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger zerolog.Logger
}

// WithClientLogger attaches a zerolog.Logger to the endpoint. Without this
// option, a disabled (no-op) logger is used.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// Dial binds a UDP socket to localAddr, spawns the reader/writer tasks, and
// drives the handshake against remoteAddr. It returns a connected endpoint,
// or fails with ErrBindFailed (socket couldn't be bound) or
// ErrHandshakeFailed (handshake rejected or exhausted its retries).
func Dial[T any](localAddr, remoteAddr string, cfg ConnectionConfig[T], hcfg ClientConnectConfig, opts ...ClientOption) (*ClientEndpoint[T], error) {
	o := clientOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if hcfg.MaxConnectRetries < 1 {
		hcfg.MaxConnectRetries = 1
	}

	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve local addr: %v", ErrBindFailed, err)
	}
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve remote addr: %v", ErrBindFailed, err)
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	c := &ClientEndpoint[T]{
		cfg:      cfg,
		log:      o.logger,
		m:        newClientMetrics(),
		conn:     conn,
		remote:   remote,
		state:    Connecting,
		inbound:  make(chan wire.Packet, 1024),
		outbound: make(chan wire.Packet, 1024),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	if err := c.handshake(hcfg); err != nil {
		c.teardown(false)
		return nil, err
	}
	return c, nil
}

func (c *ClientEndpoint[T]) handshake(hcfg ClientConnectConfig) error {
	for attempt := 0; attempt < hcfg.MaxConnectRetries; attempt++ {
		c.state = Connecting
		seq := c.seq.NextSent()
		c.enqueueOutbound(wire.NewConnect(c.cfg.ProtocolID, seq))

		timer := time.NewTimer(hcfg.ConnectAttemptTimeout)
		result, timedOut := c.waitHandshakeReply(timer.C)
		timer.Stop()

		if timedOut {
			c.log.Debug().Int("attempt", attempt+1).Msg("handshake attempt timed out")
			continue
		}
		switch result {
		case wire.Accept:
			c.state = Connected
			c.log.Info().Msg("handshake accepted")
			return nil
		case wire.Reject, wire.Disconnect:
			c.state = Disconnected
			c.log.Info().Str("reply", result.String()).Msg("handshake rejected")
			return ErrHandshakeFailed
		}
	}
	c.state = Disconnected
	return ErrHandshakeFailed
}

// waitHandshakeReply races the inbound queue against the per-attempt timer,
// ignoring any packet type that isn't ACCEPT/REJECT/DISCONNECT so the
// current attempt keeps waiting (per §4.3 step 4's "any other type →
// ignored; loop continues within the same attempt").
func (c *ClientEndpoint[T]) waitHandshakeReply(timeout <-chan time.Time) (result wire.Type, timedOut bool) {
	for {
		select {
		case p := <-c.inbound:
			switch p.Type {
			case wire.Accept, wire.Reject, wire.Disconnect:
				return p.Type, false
			default:
				continue
			}
		case <-timeout:
			return 0, true
		}
	}
}

// Poll is non-blocking. It drains the inbound queue until either a
// deliverable application message is ready or the queue is empty.
func (c *ClientEndpoint[T]) Poll() (value T, event Event, ok bool) {
	if c.state != Connected {
		return value, EventDisconnected, true
	}
	for {
		select {
		case p := <-c.inbound:
			switch p.Type {
			case wire.Disconnect:
				c.state = Disconnected
				c.log.Info().Msg("peer disconnected")
				return value, EventDisconnected, true
			case wire.Message:
				if !c.seq.IsNewer(p.SequenceID) {
					c.m.rxStale.Inc()
					continue
				}
				c.seq.SetNewest(p.SequenceID)
				v, ok := c.cfg.Deserialize(p.Payload)
				if !ok {
					c.m.rxRejected.Inc()
					continue
				}
				c.m.rxMessages.Inc()
				return v, EventMessage, true
			default:
				continue
			}
		default:
			return value, 0, false
		}
	}
}

// Send serializes value and enqueues it as a MESSAGE packet. It is
// non-blocking and best-effort: if the connection has been torn down, the
// send is silently dropped and the next Poll call will surface
// DISCONNECTED.
func (c *ClientEndpoint[T]) Send(value T) {
	if c.closed {
		return
	}
	seq := c.seq.NextSent()
	c.enqueueOutbound(wire.NewMessage(c.cfg.ProtocolID, seq, c.cfg.Serialize(value)))
}

// State returns the endpoint's current connection state.
func (c *ClientEndpoint[T]) State() State { return c.state }

// Close sends a best-effort DISCONNECT to the peer, then signals the reader
// task to terminate and tears down the socket. The reader task observes
// termination within one reader-tick (readTimeout).
func (c *ClientEndpoint[T]) Close() {
	c.teardown(true)
}

// teardown sends the DISCONNECT synchronously, on the caller's goroutine,
// before closing the socket: handing it to the writer's queue instead would
// race Close's own c.conn.Close() against writeLoop's pending WriteToUDP, and
// the socket could win, dropping the DISCONNECT the peer is supposed to
// always receive on teardown.
func (c *ClientEndpoint[T]) teardown(sendDisconnect bool) {
	if c.closed {
		return
	}
	c.closed = true
	if sendDisconnect {
		p := wire.NewDisconnect(c.cfg.ProtocolID, c.seq.NextSent())
		b := wire.Encode(p)
		if n, err := c.conn.WriteToUDP(b, c.remote); err != nil {
			c.m.txErrors.Inc()
			c.log.Warn().Err(err).Str("type", p.Type.String()).Msg("udp send failed")
		} else {
			c.m.txTotal.Inc()
			c.m.txBytes.Add(n)
		}
	}
	close(c.done)
	close(c.outbound)
	c.conn.Close()
}

func (c *ClientEndpoint[T]) enqueueOutbound(p wire.Packet) {
	if c.closed {
		return
	}
	select {
	case c.outbound <- p:
	default:
		c.log.Warn().Str("type", p.Type.String()).Msg("outbound queue full, dropping packet")
	}
}

// readLoop is the client's reader task: it owns the receive side of the
// socket, filters by source address and protocol id, and forwards usable
// packets to the inbound queue. It fabricates a synthetic DISCONNECT once
// the peer has been silent for longer than cfg.TimeoutPeriod.
func (c *ClientEndpoint[T]) readLoop() {
	buf := make([]byte, receiveBufferSize)
	idleDeadline := time.Now().Add(c.cfg.TimeoutPeriod)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				// socket closed or otherwise fatal; reader exits, writer
				// exits separately when the outbound queue closes.
				return
			}
			if time.Now().After(idleDeadline) {
				c.signalIdleDisconnect()
				return
			}
			continue
		}

		usable := addr.IP.Equal(c.remote.IP) && addr.Port == c.remote.Port
		if !usable {
			c.m.rxWrongSource.Inc()
		}

		var p wire.Packet
		if usable {
			if p, err = wire.Decode(buf[:n]); err != nil {
				c.m.rxMalformed.Inc()
				usable = false
			}
		}
		if usable && p.ProtocolID != c.cfg.ProtocolID {
			c.m.rxWrongProtocol.Inc()
			usable = false
		}

		if usable {
			idleDeadline = time.Now().Add(c.cfg.TimeoutPeriod)
			c.m.rxTotal.Inc()
			select {
			case c.inbound <- p:
			case <-c.done:
				return
			}
		}

		if time.Now().After(idleDeadline) {
			c.signalIdleDisconnect()
			return
		}
	}
}

func (c *ClientEndpoint[T]) signalIdleDisconnect() {
	c.log.Info().Dur("timeout", c.cfg.TimeoutPeriod).Msg("peer idle timeout, synthesizing disconnect")
	select {
	case c.inbound <- wire.NewDisconnect(c.cfg.ProtocolID, 0):
	case <-c.done:
	}
}

// writeLoop is the client's writer task: it consumes outbound packets,
// encodes them, and sends them to the remote address. It exits when the
// outbound queue is closed.
func (c *ClientEndpoint[T]) writeLoop() {
	for p := range c.outbound {
		b := wire.Encode(p)
		n, err := c.conn.WriteToUDP(b, c.remote)
		if err != nil {
			c.m.txErrors.Inc()
			c.log.Warn().Err(err).Str("type", p.Type.String()).Msg("udp send failed")
			continue
		}
		c.m.txTotal.Inc()
		c.m.txBytes.Add(n)
	}
}

type clientMetrics struct {
	set             *metrics.Set
	rxTotal         *metrics.Counter
	rxStale         *metrics.Counter
	rxRejected      *metrics.Counter
	rxMessages      *metrics.Counter
	rxMalformed     *metrics.Counter
	rxWrongProtocol *metrics.Counter
	rxWrongSource   *metrics.Counter
	txTotal         *metrics.Counter
	txBytes         *metrics.Counter
	txErrors        *metrics.Counter
}

// rxDropReason names the dropped-packet counter for reason, built with
// metricsx.DropReasonName the same way the teacher labels its per-result
// counters in pkg/api/api0/metrics.go.
func rxDropReason(reason string) string {
	return metricsx.DropReasonName(`udpconn_client_rx_dropped_total`, reason)
}

func newClientMetrics() *clientMetrics {
	s := metrics.NewSet()
	return &clientMetrics{
		set:             s,
		rxTotal:         s.NewCounter(`udpconn_client_rx_total`),
		rxStale:         s.NewCounter(rxDropReason("stale")),
		rxRejected:      s.NewCounter(rxDropReason("deserialize_rejected")),
		rxMessages:      s.NewCounter(`udpconn_client_rx_messages_total`),
		rxMalformed:     s.NewCounter(rxDropReason("malformed")),
		rxWrongProtocol: s.NewCounter(rxDropReason("wrong_protocol_id")),
		rxWrongSource:   s.NewCounter(rxDropReason("wrong_source")),
		txTotal:         s.NewCounter(`udpconn_client_tx_total`),
		txBytes:         s.NewCounter(`udpconn_client_tx_bytes_total`),
		txErrors:        s.NewCounter(`udpconn_client_tx_errors_total`),
	}
}

// WritePrometheus writes the endpoint's metric set in Prometheus text
// exposition format.
func (c *ClientEndpoint[T]) WritePrometheus(w io.Writer) {
	c.m.set.WritePrometheus(w)
}
