package rawtcp

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// sendSpace is the RFC 793 §3.2 send sequence space.
//
//	1         2          3          4
//	----------|----------|----------|----------
//	       SND.UNA    SND.NXT    SND.UNA
//	                            +SND.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers of unacknowledged data
//	3 - sequence numbers allowed for new data transmission
//	4 - future sequence numbers which are not yet allowed
type sendSpace struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	wnd uint16 // peer-advertised window
	up  bool   // urgent pointer seen (accepted, otherwise unused)
	wl1 uint32 // segment sequence number of last window update
	wl2 uint32 // segment acknowledgment number of last window update
	iss uint32 // initial send sequence number
}

// recvSpace is the RFC 793 §3.2 receive sequence space.
//
//	    1          2          3
//	----------|----------|----------
//	        RCV.NXT    RCV.NXT
//	                  +RCV.WND
type recvSpace struct {
	nxt uint32 // next expected sequence number
	wnd uint16 // window we last advertised
	irs uint32 // initial remote sequence number
}

// sentSegment is one retransmission queue entry: an outbound segment that
// consumed sequence space and has not been fully acknowledged. Entries cover
// [seq, seq+length) within [SND.UNA, SND.NXT) and are dequeued the moment
// SND.UNA passes their end.
type sentSegment struct {
	seq     uint32
	length  uint32 // sequence space consumed: payload plus SYN/FIN
	flags   Flags
	payload []byte
	sentAt  time.Time
	retries int
}

// Conn is one TCP connection. It implements net.Conn.
//
// A single mutex serializes everything that touches connection state: inbound
// segments from the engine's packet loop, retransmission and TIME_WAIT timer
// expiries, and application Read/Write/Close calls. Timer callbacks take the
// same mutex as segment processing, so a timeout and a segment for the same
// connection never race.
type Conn struct {
	engine   *Engine
	quad     Quad
	listener *Listener // nil for active opens

	state State

	snd sendSpace
	rcv recvSpace

	// advEdge is the right edge (RCV.NXT+RCV.WND) of the window we last
	// advertised. It only moves forward in increments of at least
	// min(MSS, buffer/2) to avoid silly window syndrome.
	advEdge uint32

	recvBuf     *circbuf.Buffer
	rcvBuffered int    // bytes in recvBuf not yet consumed by Read
	sendBuf     []byte // bytes accepted from the application, not yet sent

	rtxQueue []*sentSegment
	rtxTimer *time.Timer

	rto    time.Duration
	srtt   time.Duration
	rttvar time.Duration

	finQueued bool   // local close requested
	finSent   bool   // our FIN occupies sequence number finSeq
	finSeq    uint32

	timeWaitTimer *time.Timer

	readDeadline  time.Time
	writeDeadline time.Time

	// established is closed once the connection reaches ESTABLISHED;
	// done is closed when the connection leaves the table.
	established chan struct{}
	estOnce     sync.Once
	done        chan struct{}

	err      error // terminal error surfaced to blocked endpoint calls
	removed  bool  // no longer in the connection table
	admitted bool  // counted by admission control (passive opens only)

	mu       sync.Mutex
	recvCond *sync.Cond
	sendCond *sync.Cond
}

// newConn builds the shared parts of a connection record. The caller fills
// in the sequence spaces for its open flavor before the first segment.
func newConn(e *Engine, quad Quad, l *Listener) *Conn {
	recvBuf, _ := circbuf.NewBuffer(int64(e.cfg.RecvBufferSize))
	c := &Conn{
		engine:      e,
		quad:        quad,
		listener:    l,
		recvBuf:     recvBuf,
		rto:         e.cfg.InitialRTO,
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.recvCond = sync.NewCond(&c.mu)
	c.sendCond = sync.NewCond(&c.mu)
	if srtt, rttvar, ok := e.tcbCache.lookup(quad.Remote.Addr()); ok {
		c.srtt = srtt
		c.rttvar = rttvar
		c.rto = clampRTO(srtt+4*rttvar, e.cfg.MinRTO, e.cfg.MaxRTO)
		log.Debug().
			Str("quad", quad.String()).
			Dur("srtt", srtt).
			Dur("rto", c.rto).
			Msg("seeded RTT estimate from TCB cache")
	}
	return c
}

// Quad returns the connection's identifying 4-tuple.
func (c *Conn) Quad() Quad { return c.quad }

// State returns the current protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr { return net.TCPAddrFromAddrPort(c.quad.Local) }

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.quad.Remote) }

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Debug().
		Str("quad", c.quad.String()).
		Str("from", c.state.String()).
		Str("to", s.String()).
		Msg("state transition")
	c.state = s
}

// handleSegment processes one inbound segment to completion: state mutation,
// buffer updates and any reply segments happen before it returns. This is
// the single entry point from the engine's packet loop.
func (c *Conn) handleSegment(tcp TCPHeader, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed || c.state == StateClosed {
		return
	}
	if c.state == StateSynSent {
		c.handleSynSentLocked(tcp)
		return
	}

	segLen := tcp.SegLen(len(payload))
	if !segmentAcceptable(tcp.Seq, segLen, c.rcv.nxt, uint32(c.rcv.wnd)) {
		if tcp.Flags.Has(FlagRST) {
			return // out-of-window RSTs are ignored, not answered
		}
		log.Debug().
			Str("quad", c.quad.String()).
			Uint32("seq", tcp.Seq).
			Uint32("segLen", segLen).
			Uint32("rcvNxt", c.rcv.nxt).
			Msg("unacceptable segment, sending corrective ACK")
		if c.state == StateTimeWait && tcp.Flags.Has(FlagFIN) {
			// Peer retransmitted its FIN: our final ACK was lost.
			c.restartTimeWaitLocked()
		}
		c.transmitLocked(FlagACK, c.snd.nxt, nil)
		return
	}

	if tcp.Flags.Has(FlagRST) {
		c.handleRstLocked()
		return
	}
	if tcp.Flags.Has(FlagSYN) {
		// An in-window SYN on a synchronized connection is a protocol
		// violation; answer with a challenge ACK and drop.
		log.Warn().
			Str("quad", c.quad.String()).
			Str("state", c.state.String()).
			Msg("in-window SYN on synchronized connection")
		c.transmitLocked(FlagACK, c.snd.nxt, nil)
		return
	}
	if !tcp.Flags.Has(FlagACK) {
		return // past SYN_SENT every valid segment carries ACK
	}

	if !c.processAckLocked(tcp) {
		return
	}
	if c.removed || c.state == StateClosed {
		return // final ACK of LAST_ACK removed the connection
	}
	c.processPayloadLocked(tcp, payload)
	c.processFinLocked(tcp, payload)
}

// handleSynSentLocked implements the SYN_SENT arc of RFC 793 §3.9, including
// simultaneous open.
func (c *Conn) handleSynSentLocked(tcp TCPHeader) {
	hasAck := tcp.Flags.Has(FlagACK)
	if hasAck && (seqLessThanOrEqual(tcp.Ack, c.snd.iss) || seqGreaterThan(tcp.Ack, c.snd.nxt)) {
		if !tcp.Flags.Has(FlagRST) {
			c.engine.sendRawRST(c.quad, tcp.Ack)
		}
		return
	}
	if tcp.Flags.Has(FlagRST) {
		if hasAck {
			log.Warn().Str("quad", c.quad.String()).Msg("connection refused")
			c.removeLocked(ErrConnectionRefused)
		}
		return
	}
	if !tcp.Flags.Has(FlagSYN) {
		return
	}

	c.rcv.irs = tcp.Seq
	c.rcv.nxt = tcp.Seq + 1
	avail := uint32(c.engine.cfg.RecvBufferSize)
	c.advEdge = c.rcv.nxt + avail
	c.rcv.wnd = uint16(avail)

	if hasAck {
		c.snd.una = tcp.Ack
		c.dequeueAckedLocked(tcp.Ack)
	}
	if seqGreaterThan(c.snd.una, c.snd.iss) {
		// SYN+ACK: the handshake completes with our ACK.
		c.establishLocked(tcp)
		c.transmitLocked(FlagACK, c.snd.nxt, nil)
		c.flushSendLocked()
		return
	}

	// Simultaneous open: a bare SYN crossed ours on the wire. Answer
	// SYN+ACK reusing our ISS and wait for the peer's ACK.
	c.setStateLocked(StateSynReceived)
	if len(c.rtxQueue) > 0 && c.rtxQueue[0].flags.Has(FlagSYN) {
		c.rtxQueue[0].flags |= FlagACK
	}
	c.transmitLocked(FlagSYN|FlagACK, c.snd.iss, nil)
}

// handleRstLocked aborts the connection on an in-window RST: the record is
// removed from the table and all pending reads and writes fail with
// ErrConnectionReset.
func (c *Conn) handleRstLocked() {
	log.Warn().
		Str("quad", c.quad.String()).
		Str("state", c.state.String()).
		Msg("received RST, aborting connection")
	c.removeLocked(ErrConnectionReset)
}

// processAckLocked applies the acknowledgment field: advancing SND.UNA,
// draining the retransmission queue, updating the send window and driving
// the FIN-acknowledged transitions. Returns false if the segment must not be
// processed further.
func (c *Conn) processAckLocked(tcp TCPHeader) bool {
	ack := tcp.Ack

	if c.state == StateSynReceived {
		if !ackAcceptable(c.snd.una, ack, c.snd.nxt) {
			// RFC 793 reset generation: <SEQ=SEG.ACK><CTL=RST>
			c.engine.sendRawRST(c.quad, ack)
			return false
		}
		c.establishLocked(tcp)
	}

	switch {
	case ackAcceptable(c.snd.una, ack, c.snd.nxt):
		c.snd.una = ack
		c.dequeueAckedLocked(ack)
		c.sendCond.Broadcast()
	case seqGreaterThan(ack, c.snd.nxt):
		// Acknowledges data we never sent: protocol violation, drop.
		log.Debug().
			Str("quad", c.quad.String()).
			Uint32("ack", ack).
			Uint32("sndNxt", c.snd.nxt).
			Msg("ACK for unsent data, dropping segment")
		return false
	}

	// Window update rule from RFC 793: take SEG.WND if this segment is
	// newer than the last one that updated the window.
	if seqLessThan(c.snd.wl1, tcp.Seq) ||
		(c.snd.wl1 == tcp.Seq && seqLessThanOrEqual(c.snd.wl2, ack)) {
		c.snd.wnd = tcp.Window
		c.snd.wl1 = tcp.Seq
		c.snd.wl2 = ack
	}

	if c.finSent && seqGreaterThanOrEqual(c.snd.una, c.finSeq+1) {
		switch c.state {
		case StateFinWait1:
			c.setStateLocked(StateFinWait2)
		case StateClosing:
			c.enterTimeWaitLocked()
		case StateLastAck:
			log.Debug().Str("quad", c.quad.String()).Msg("final FIN acknowledged")
			c.removeLocked(nil)
			return false
		}
	}

	c.flushSendLocked()
	return true
}

// processPayloadLocked accepts in-order payload into the receive buffer.
// RCV.NXT advances only over the contiguous prefix; segments that begin past
// RCV.NXT are dropped but still answered with a duplicate ACK so the peer
// can detect the loss.
func (c *Conn) processPayloadLocked(tcp TCPHeader, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return // no data is accepted once the peer's FIN was processed
	}

	seq := tcp.Seq
	if seqLessThan(seq, c.rcv.nxt) {
		// Partially duplicate segment: skip the bytes we already have.
		offset := c.rcv.nxt - seq
		if uint32(len(payload)) <= offset {
			c.transmitLocked(FlagACK, c.snd.nxt, nil)
			return
		}
		payload = payload[offset:]
		seq = c.rcv.nxt
	}
	if seq != c.rcv.nxt {
		// In-window but out of order: there is a gap before it.
		log.Debug().
			Str("quad", c.quad.String()).
			Uint32("seq", seq).
			Uint32("expected", c.rcv.nxt).
			Msg("out-of-order segment dropped, sending duplicate ACK")
		c.transmitLocked(FlagACK, c.snd.nxt, nil)
		return
	}

	avail := c.engine.cfg.RecvBufferSize - c.rcvBuffered
	n := len(payload)
	if n > avail {
		n = avail
	}
	if n > 0 {
		c.recvBuf.Write(payload[:n]) // circbuf.Write cannot fail
		c.rcvBuffered += n
		c.rcv.nxt += uint32(n)
		c.recvCond.Broadcast()
	}
	c.transmitLocked(FlagACK, c.snd.nxt, nil)
}

// processFinLocked handles an in-order FIN: it occupies one sequence number
// and closes the peer's half of the stream.
func (c *Conn) processFinLocked(tcp TCPHeader, payload []byte) {
	if !tcp.Flags.Has(FlagFIN) {
		return
	}
	if c.rcv.nxt != tcp.Seq+uint32(len(payload)) {
		return // data preceding the FIN has not all arrived yet
	}

	c.rcv.nxt++
	c.recvCond.Broadcast() // readers drain the buffer, then see EOF

	switch c.state {
	case StateEstablished:
		c.setStateLocked(StateCloseWait)
	case StateFinWait1:
		// Our FIN is unacknowledged (an acknowledged FIN already moved us
		// to FIN_WAIT_2): simultaneous close.
		c.setStateLocked(StateClosing)
	case StateFinWait2:
		c.enterTimeWaitLocked()
	case StateTimeWait:
		c.restartTimeWaitLocked()
	}
	c.transmitLocked(FlagACK, c.snd.nxt, nil)
}

// establishLocked moves the connection to ESTABLISHED, records the peer's
// window and hands the connection to its listener's accept queue.
func (c *Conn) establishLocked(tcp TCPHeader) {
	c.setStateLocked(StateEstablished)
	c.snd.wnd = tcp.Window
	c.snd.wl1 = tcp.Seq
	c.snd.wl2 = tcp.Ack
	c.estOnce.Do(func() { close(c.established) })

	log.Info().
		Str("quad", c.quad.String()).
		Uint16("peerWnd", c.snd.wnd).
		Msg("connection established")

	if c.listener != nil {
		if !c.listener.deliver(c) {
			// Accept queue overflow: the peer completed a handshake we
			// cannot service.
			log.Warn().
				Str("quad", c.quad.String()).
				Msg("accept backlog full, resetting connection")
			c.abortLocked(ErrConnectionRefused)
		}
		c.listener = nil
	}
}

// transmitLocked emits one segment carrying the current acknowledgment and
// advertised window. It does not consume sequence space; callers that do
// must go through queueSegmentLocked.
func (c *Conn) transmitLocked(flags Flags, seq uint32, payload []byte) {
	hdr := TCPHeader{
		SrcPort: c.quad.Local.Port(),
		DstPort: c.quad.Remote.Port(),
		Seq:     seq,
		Flags:   flags,
		Window:  c.advertiseWindowLocked(),
	}
	if flags.Has(FlagACK) {
		hdr.Ack = c.rcv.nxt
	}
	if err := c.engine.transmit(c.quad, hdr, payload); err != nil {
		log.Warn().Err(err).Str("quad", c.quad.String()).Msg("transmit failed")
	}
}

// queueSegmentLocked records a sequence-consuming segment in the
// retransmission queue, arms the retransmission timer if the queue was
// empty, and transmits it. SND.NXT advances past the segment.
func (c *Conn) queueSegmentLocked(flags Flags, payload []byte) {
	seg := &sentSegment{
		seq:     c.snd.nxt,
		length:  TCPHeader{Flags: flags}.SegLen(len(payload)),
		flags:   flags,
		payload: payload,
		sentAt:  time.Now(),
	}
	wasEmpty := len(c.rtxQueue) == 0
	c.rtxQueue = append(c.rtxQueue, seg)
	c.snd.nxt += seg.length
	if wasEmpty {
		c.armRetransmitLocked()
	}
	c.transmitLocked(flags, seg.seq, payload)
}

// flushSendLocked moves buffered application data onto the wire, bounded by
// the peer's window and the configured MSS, and finally emits a queued FIN
// once the send buffer drains.
func (c *Conn) flushSendLocked() {
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateFinWait1, StateLastAck:
		if !c.finQueued {
			return
		}
	default:
		return
	}

	for len(c.sendBuf) > 0 {
		inFlight := c.snd.nxt - c.snd.una
		if uint32(c.snd.wnd) <= inFlight {
			return // peer window exhausted; ACKs will reopen it
		}
		n := int(uint32(c.snd.wnd) - inFlight)
		if n > len(c.sendBuf) {
			n = len(c.sendBuf)
		}
		if n > c.engine.cfg.MSS {
			n = c.engine.cfg.MSS
		}
		chunk := make([]byte, n)
		copy(chunk, c.sendBuf[:n])
		c.sendBuf = append(c.sendBuf[:0], c.sendBuf[n:]...)
		c.queueSegmentLocked(FlagACK|FlagPSH, chunk)
		c.sendCond.Broadcast()
	}

	if c.finQueued && !c.finSent {
		c.finSeq = c.snd.nxt
		c.finSent = true
		c.queueSegmentLocked(FlagFIN|FlagACK, nil)
	}
}

// advertiseWindowLocked computes the window field for an outbound segment.
// The advertised right edge only advances when at least min(MSS, buffer/2)
// of new capacity is available, so tiny window increments never reach the
// peer (silly window avoidance).
func (c *Conn) advertiseWindowLocked() uint16 {
	avail := uint32(c.engine.cfg.RecvBufferSize - c.rcvBuffered)
	newEdge := c.rcv.nxt + avail
	threshold := uint32(c.engine.cfg.MSS)
	if half := uint32(c.engine.cfg.RecvBufferSize / 2); half < threshold {
		threshold = half
	}
	if seqGreaterThan(newEdge, c.advEdge) && newEdge-c.advEdge < threshold {
		newEdge = c.advEdge
	}
	c.advEdge = newEdge
	c.rcv.wnd = uint16(newEdge - c.rcv.nxt)
	return c.rcv.wnd
}

// dequeueAckedLocked drops fully acknowledged entries from the front of the
// retransmission queue, samples the RTT from a first-transmission segment
// (Karn's rule skips retransmitted ones), and rearms or cancels the timer.
func (c *Conn) dequeueAckedLocked(ack uint32) {
	var sample *sentSegment
	for len(c.rtxQueue) > 0 {
		seg := c.rtxQueue[0]
		if !seqLessThanOrEqual(seg.seq+seg.length, ack) {
			break
		}
		if seg.retries == 0 {
			sample = seg
		}
		c.rtxQueue = c.rtxQueue[1:]
	}
	if sample != nil {
		c.updateRTTLocked(time.Since(sample.sentAt))
	}
	if len(c.rtxQueue) == 0 {
		c.stopRetransmitLocked()
	} else {
		c.armRetransmitLocked()
	}
}

// updateRTTLocked folds one RTT sample into the smoothed estimate per
// RFC 6298 (alpha=1/8, beta=1/4) and recomputes the RTO.
func (c *Conn) updateRTTLocked(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		const alpha = 0.125
		const beta = 0.25
		diff := c.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = time.Duration((1-beta)*float64(c.rttvar) + beta*float64(diff))
		c.srtt = time.Duration((1-alpha)*float64(c.srtt) + alpha*float64(sample))
	}
	c.rto = clampRTO(c.srtt+4*c.rttvar, c.engine.cfg.MinRTO, c.engine.cfg.MaxRTO)

	log.Debug().
		Str("quad", c.quad.String()).
		Dur("sample", sample).
		Dur("srtt", c.srtt).
		Dur("rto", c.rto).
		Msg("updated RTT estimate")
}

func clampRTO(rto, min, max time.Duration) time.Duration {
	if rto < min {
		return min
	}
	if rto > max {
		return max
	}
	return rto
}

func (c *Conn) armRetransmitLocked() {
	if c.rtxTimer == nil {
		c.rtxTimer = time.AfterFunc(c.rto, c.onRetransmitTimeout)
		return
	}
	c.rtxTimer.Reset(c.rto)
}

func (c *Conn) stopRetransmitLocked() {
	if c.rtxTimer != nil {
		c.rtxTimer.Stop()
	}
}

// onRetransmitTimeout is the retransmission timer callback. It is delivered
// through the connection mutex, so it never races with segment processing.
// The oldest unacknowledged segment is resent with current ACK and window
// fields, the RTO doubles up to the ceiling, and after the retry limit the
// connection is aborted with ErrConnectionTimedOut.
func (c *Conn) onRetransmitTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed || len(c.rtxQueue) == 0 {
		return
	}
	seg := c.rtxQueue[0]
	if seg.retries >= c.engine.cfg.MaxRetransmits {
		log.Error().
			Str("quad", c.quad.String()).
			Uint32("seq", seg.seq).
			Int("retries", seg.retries).
			Msg("retransmission limit exceeded, aborting connection")
		c.abortLocked(ErrConnectionTimedOut)
		return
	}

	seg.retries++
	seg.sentAt = time.Now()
	c.rto *= 2
	if c.rto > c.engine.cfg.MaxRTO {
		c.rto = c.engine.cfg.MaxRTO
	}
	log.Debug().
		Str("quad", c.quad.String()).
		Uint32("seq", seg.seq).
		Int("retries", seg.retries).
		Dur("rto", c.rto).
		Msg("retransmitting segment")

	c.transmitLocked(seg.flags, seg.seq, seg.payload)
	c.rtxTimer.Reset(c.rto)
}

// enterTimeWaitLocked starts the quiescence interval that absorbs stray
// duplicates before the quad can be reused. The TIME_WAIT timer fires once
// and does not back off.
func (c *Conn) enterTimeWaitLocked() {
	c.setStateLocked(StateTimeWait)
	c.stopRetransmitLocked()
	c.rtxQueue = nil
	c.recvCond.Broadcast()
	c.timeWaitTimer = time.AfterFunc(c.engine.cfg.TimeWait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateTimeWait {
			log.Debug().Str("quad", c.quad.String()).Msg("TIME_WAIT expired")
			c.removeLocked(nil)
		}
	})
}

// restartTimeWaitLocked re-arms the quiescence timer when the peer
// retransmits its FIN during TIME_WAIT.
func (c *Conn) restartTimeWaitLocked() {
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Reset(c.engine.cfg.TimeWait)
	}
}

// abortLocked resets the connection: a RST is sent to the peer and the
// record is removed from the table with the given terminal error.
func (c *Conn) abortLocked(err error) {
	c.engine.sendRawRST(c.quad, c.snd.nxt)
	c.removeLocked(err)
}

// removeLocked takes the connection out of the table and wakes everything
// blocked on it. After removal, inbound segments for the quad fall through
// to the engine's reset generation, and endpoint calls fail with err (or
// report ErrNoSuchConnection/EOF when err is nil).
func (c *Conn) removeLocked(err error) {
	if c.removed {
		return
	}
	c.removed = true
	if err != nil && c.err == nil {
		c.err = err
	}
	c.setStateLocked(StateClosed)
	c.stopRetransmitLocked()
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
	}
	c.rtxQueue = nil
	c.engine.connRemoved(c)
	if c.srtt > 0 {
		c.engine.tcbCache.store(c.quad.Remote.Addr(), c.srtt, c.rttvar)
	}
	close(c.done)
	c.recvCond.Broadcast()
	c.sendCond.Broadcast()
}

// recvClosedLocked reports whether the peer's FIN has been processed (or the
// connection is gone): a drained receive buffer then means EOF.
func (c *Conn) recvClosedLocked() bool {
	switch c.state {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait, StateClosed:
		return true
	}
	return false
}

// waitLocked blocks on cond until woken, honoring an optional deadline.
// The caller re-checks its predicate after wakeup.
func (c *Conn) waitLocked(cond *sync.Cond, deadline time.Time) error {
	if deadline.IsZero() {
		cond.Wait()
		return nil
	}
	if !time.Now().Before(deadline) {
		return &timeoutError{}
	}
	t := time.AfterFunc(time.Until(deadline), cond.Broadcast)
	defer t.Stop()
	cond.Wait()
	if !time.Now().Before(deadline) {
		return &timeoutError{}
	}
	return nil
}

// Read returns buffered in-order payload, blocking until at least one byte
// is available, the peer closes (io.EOF), the connection fails terminally,
// or the read deadline expires. Implements io.Reader and net.Conn.
func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}
	for c.rcvBuffered == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.recvClosedLocked() {
			return 0, io.EOF
		}
		if err := c.waitLocked(c.recvCond, c.readDeadline); err != nil {
			return 0, err
		}
	}
	if c.err != nil {
		// A reset discards undelivered data, matching kernel stacks.
		return 0, c.err
	}

	data := c.recvBuf.Bytes()
	n := copy(b, data)
	c.recvBuf.Reset()
	if n < len(data) {
		c.recvBuf.Write(data[n:])
	}
	c.rcvBuffered -= n

	c.maybeUpdateWindowLocked()
	return n, nil
}

// maybeUpdateWindowLocked sends a window-update ACK when a Read has freed
// enough buffer capacity for the advertised edge to move.
func (c *Conn) maybeUpdateWindowLocked() {
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}
	prev := c.advEdge
	c.advertiseWindowLocked()
	if c.advEdge != prev {
		c.transmitLocked(FlagACK, c.snd.nxt, nil)
	}
}

// Write queues data for transmission and returns once it is accepted into
// the send buffer, blocking for space when the buffer and the peer's window
// are both full. Implements io.Writer and net.Conn.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for len(b) > 0 {
		if err := c.writeStateLocked(); err != nil {
			return total, err
		}
		space := c.engine.cfg.SendBufferSize - len(c.sendBuf)
		if space == 0 {
			if err := c.waitLocked(c.sendCond, c.writeDeadline); err != nil {
				return total, err
			}
			continue
		}
		n := space
		if n > len(b) {
			n = len(b)
		}
		c.sendBuf = append(c.sendBuf, b[:n]...)
		b = b[n:]
		total += n
		c.flushSendLocked()
	}
	return total, nil
}

func (c *Conn) writeStateLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.removed {
		return ErrNoSuchConnection
	}
	if c.finQueued {
		return io.ErrClosedPipe
	}
	return nil
}

// Close initiates the orderly close sequence: any buffered data is still
// sent, followed by a FIN. It does not block waiting for the full teardown;
// the connection leaves the table when the close handshake (and TIME_WAIT,
// where applicable) completes. Implements net.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSynSent:
		c.removeLocked(nil)
	case StateSynReceived, StateEstablished:
		c.finQueued = true
		c.setStateLocked(StateFinWait1)
		c.flushSendLocked()
	case StateCloseWait:
		c.finQueued = true
		c.setStateLocked(StateLastAck)
		c.flushSendLocked()
	default:
		// already closing or closed
	}
	return nil
}

// Abort resets the connection immediately: a RST is sent, the record is
// removed, and pending operations fail with ErrConnectionReset.
func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return
	}
	c.abortLocked(ErrConnectionReset)
}

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	c.recvCond.Broadcast()
	c.sendCond.Broadcast()
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.recvCond.Broadcast()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.sendCond.Broadcast()
	return nil
}
