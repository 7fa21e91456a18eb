package rawtcp

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"
)

// Device is the packet boundary: a point-to-point interface that exchanges
// raw IPv4 datagrams. A Linux TUN descriptor satisfies it, as does any
// in-memory pipe used for testing.
type Device interface {
	// ReadPacket fills buf with the next inbound datagram and returns its
	// length. It blocks until a datagram arrives or the device is closed.
	ReadPacket(buf []byte) (int, error)

	// WritePacket sends one complete datagram.
	WritePacket(pkt []byte) error
}

// ephemeralPortBase is the start of the dynamic port range (RFC 6335).
const ephemeralPortBase = 49152

// Engine multiplexes TCP connections over a single Device. One goroutine
// (Run) owns the read side of the device and dispatches segments to
// connections by quad; writes from any goroutine are serialized so
// datagrams are never interleaved on the device.
type Engine struct {
	dev   Device
	local netip.Addr
	cfg   Config

	table     *connTable
	admission *admissionControl
	tcbCache  *tcbCache

	writeMu sync.Mutex

	// issFn produces initial send sequence numbers.
	issFn func() (uint32, error)

	nextPort uint16

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEngine builds an engine bound to the device's local address. The
// engine does not read from the device until Run is called.
func NewEngine(dev Device, local netip.Addr, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !local.Is4() {
		return nil, fmt.Errorf("%w: local address %s is not IPv4", ErrUnsupportedProtocol, local)
	}
	adm, err := newAdmissionControl(cfg.Admission)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		dev:       dev,
		local:     local,
		cfg:       cfg,
		table:     newConnTable(),
		admission: adm,
		tcbCache:  newTCBCache(cfg.TCBCache),
		issFn:     generateISS,
		nextPort:  ephemeralPortBase,
		done:      make(chan struct{}),
	}
	return e, nil
}

// LocalAddr returns the engine's bound IPv4 address.
func (e *Engine) LocalAddr() netip.Addr { return e.local }

// Run reads datagrams from the device and dispatches them until the context
// is canceled, the engine is closed, or the device read fails. Malformed
// datagrams are counted and dropped; they never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrEngineClosed
		default:
		}

		n, err := e.dev.ReadPacket(buf)
		if err != nil {
			select {
			case <-e.done:
				return ErrEngineClosed
			default:
			}
			return fmt.Errorf("device read: %w", err)
		}
		e.handlePacket(buf[:n])
	}
}

// handlePacket decodes and dispatches one inbound datagram. It runs segment
// processing synchronously, so by the time it returns all state changes and
// reply segments for the datagram are complete.
func (e *Engine) handlePacket(datagram []byte) {
	ip, tcp, payload, err := Decode(datagram)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedProtocol) {
			log.Debug().Err(err).Int("len", len(datagram)).Msg("dropping malformed datagram")
		}
		return
	}
	if ip.Dst != e.local {
		return // not addressed to us; a router would forward, we drop
	}

	quad := quadFromSegment(ip, tcp)

	if c := e.table.route(quad); c != nil {
		c.handleSegment(tcp, payload)
		return
	}

	if l := e.table.listener(tcp.DstPort); l != nil && tcp.Flags.Has(FlagSYN) && !tcp.Flags.Has(FlagACK) {
		e.acceptSYN(l, quad, ip, tcp)
		return
	}

	e.resetFor(quad, tcp, len(payload))
}

// acceptSYN runs admission control and, if the SYN is admitted, creates the
// passive-open connection record and answers SYN+ACK.
func (e *Engine) acceptSYN(l *Listener, quad Quad, ip IPv4Header, tcp TCPHeader) {
	verdict := e.admission.admit(quad.Remote.Addr())
	switch verdict {
	case admitDrop:
		log.Debug().Str("quad", quad.String()).Msg("SYN dropped by admission control")
		return
	case admitReject:
		log.Debug().Str("quad", quad.String()).Msg("SYN rejected by admission control")
		e.resetFor(quad, tcp, 0)
		return
	}

	iss, err := e.issFn()
	if err != nil {
		if verdict == admitAllow {
			e.admission.release()
		}
		log.Error().Err(err).Msg("cannot generate initial sequence number")
		return
	}

	c := newConn(e, quad, l)
	c.mu.Lock()
	c.admitted = true
	c.state = StateSynReceived
	c.snd.iss = iss
	c.snd.una = iss
	c.snd.nxt = iss
	c.snd.wnd = tcp.Window
	c.snd.wl1 = tcp.Seq
	c.snd.wl2 = 0
	c.rcv.irs = tcp.Seq
	c.rcv.nxt = tcp.Seq + 1
	c.advEdge = c.rcv.nxt + uint32(e.cfg.RecvBufferSize)
	c.rcv.wnd = uint16(e.cfg.RecvBufferSize)

	if err := e.table.insert(quad, c); err != nil {
		c.mu.Unlock()
		if verdict == admitAllow {
			e.admission.release()
		}
		log.Warn().Err(err).Msg("passive open raced with table insert")
		return
	}
	log.Debug().
		Str("quad", quad.String()).
		Uint32("irs", tcp.Seq).
		Uint32("iss", iss).
		Msg("passive open, sending SYN+ACK")
	c.queueSegmentLocked(FlagSYN|FlagACK, nil)
	c.mu.Unlock()
}

// resetFor generates the RFC 793 reset for a segment that matches no
// connection: RSTs are never themselves answered; an ACK-bearing segment is
// answered with <SEQ=SEG.ACK><CTL=RST>, anything else with
// <SEQ=0><ACK=SEG.SEQ+SEG.LEN><CTL=RST,ACK>.
func (e *Engine) resetFor(quad Quad, tcp TCPHeader, payloadLen int) {
	if tcp.Flags.Has(FlagRST) {
		return
	}
	hdr := TCPHeader{
		SrcPort: quad.Local.Port(),
		DstPort: quad.Remote.Port(),
	}
	if tcp.Flags.Has(FlagACK) {
		hdr.Seq = tcp.Ack
		hdr.Flags = FlagRST
	} else {
		hdr.Ack = tcp.Seq + tcp.SegLen(payloadLen)
		hdr.Flags = FlagRST | FlagACK
	}
	log.Debug().
		Str("quad", quad.String()).
		Str("flags", tcp.Flags.String()).
		Msg("no matching connection, sending RST")
	if err := e.transmit(quad, hdr, nil); err != nil {
		log.Warn().Err(err).Str("quad", quad.String()).Msg("reset transmit failed")
	}
}

// sendRawRST emits a bare <SEQ=seq><CTL=RST> for an existing or dying
// connection.
func (e *Engine) sendRawRST(quad Quad, seq uint32) {
	hdr := TCPHeader{
		SrcPort: quad.Local.Port(),
		DstPort: quad.Remote.Port(),
		Seq:     seq,
		Flags:   FlagRST,
	}
	if err := e.transmit(quad, hdr, nil); err != nil {
		log.Warn().Err(err).Str("quad", quad.String()).Msg("reset transmit failed")
	}
}

// transmit encodes and writes one segment for the quad. Writes are
// serialized so concurrent connections never interleave bytes of different
// datagrams on the device.
func (e *Engine) transmit(quad Quad, tcp TCPHeader, payload []byte) error {
	ip := IPv4Header{
		Src: quad.Local.Addr(),
		Dst: quad.Remote.Addr(),
	}
	pkt := Encode(ip, tcp, payload)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.dev.WritePacket(pkt)
}

// connRemoved is called by a connection, with its own mutex held, when it
// leaves the table. The admission counter is released for passive opens.
func (e *Engine) connRemoved(c *Conn) {
	e.table.remove(c.quad)
	if c.admitted {
		e.admission.release()
	}
}

// Listen opens a passive listening port. Inbound SYNs to the port create
// connections delivered through the returned Listener's Accept.
func (e *Engine) Listen(port uint16) (*Listener, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	l := newListener(e, port, e.cfg.AcceptBacklog)
	if err := e.table.addListener(port, l); err != nil {
		return nil, err
	}
	log.Info().Uint16("port", port).Msg("listening")
	return l, nil
}

// Dial performs an active open to the remote endpoint, allocating an
// ephemeral local port. It blocks until the handshake completes, the
// context is canceled, or the connection fails (refused, timed out).
func (e *Engine) Dial(ctx context.Context, remote netip.AddrPort) (*Conn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	if !remote.Addr().Is4() {
		return nil, fmt.Errorf("%w: remote address %s is not IPv4", ErrUnsupportedProtocol, remote.Addr())
	}

	iss, err := e.issFn()
	if err != nil {
		return nil, fmt.Errorf("generate initial sequence number: %w", err)
	}

	var c *Conn
	var quad Quad
	for attempt := 0; ; attempt++ {
		port := e.allocPort()
		quad = Quad{
			Local:  netip.AddrPortFrom(e.local, port),
			Remote: remote,
		}
		c = newConn(e, quad, nil)
		c.state = StateSynSent
		c.snd.iss = iss
		c.snd.una = iss
		c.snd.nxt = iss
		if err := e.table.insert(quad, c); err == nil {
			break
		}
		if attempt >= 16 {
			return nil, fmt.Errorf("dial %s: no ephemeral port available", remote)
		}
	}

	log.Debug().
		Str("quad", quad.String()).
		Uint32("iss", iss).
		Msg("active open, sending SYN")

	c.mu.Lock()
	c.queueSegmentLocked(FlagSYN, nil)
	c.mu.Unlock()

	select {
	case <-c.established:
		return c, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrNoSuchConnection
		}
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	case <-ctx.Done():
		c.Abort()
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

// allocPort hands out the next unused ephemeral port, wrapping within the
// dynamic range.
func (e *Engine) allocPort() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < 1<<14; i++ {
		port := e.nextPort
		e.nextPort++
		if e.nextPort == 0 {
			e.nextPort = ephemeralPortBase
		}
		if !e.table.portInUse(port) {
			return port
		}
	}
	return e.nextPort
}

// Close shuts the engine down: every live connection is reset, listeners
// stop accepting, and Run returns. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		for _, c := range e.table.snapshot() {
			c.Abort()
		}
		e.tcbCache.stop()
		close(e.done)
		log.Info().Msg("engine closed")
	})
	return nil
}
