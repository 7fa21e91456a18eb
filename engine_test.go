package rawtcp

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engineIP = netip.MustParseAddr("10.0.0.1")
	peerAddr = netip.MustParseAddrPort("10.0.0.2:55000")
)

// captureDevice is an in-memory Device: tests feed datagrams through in and
// observe everything the engine transmits on out.
type captureDevice struct {
	in  chan []byte
	out chan []byte
}

func newCaptureDevice() *captureDevice {
	return &captureDevice{
		in:  make(chan []byte, 64),
		out: make(chan []byte, 256),
	}
}

func (d *captureDevice) ReadPacket(buf []byte) (int, error) {
	pkt, ok := <-d.in
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, pkt), nil
}

func (d *captureDevice) WritePacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	d.out <- cp
	return nil
}

// next returns the next transmitted segment, failing the test if none
// arrives in time.
func (d *captureDevice) next(t *testing.T) (TCPHeader, []byte) {
	t.Helper()
	select {
	case pkt := <-d.out:
		_, tcp, payload, err := Decode(pkt)
		require.NoError(t, err)
		return tcp, payload
	case <-time.After(2 * time.Second):
		t.Fatal("expected a transmitted segment, got none")
		return TCPHeader{}, nil
	}
}

// nextMatching discards transmitted segments until one satisfies the
// predicate.
func (d *captureDevice) nextMatching(t *testing.T, match func(TCPHeader) bool) (TCPHeader, []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case pkt := <-d.out:
			_, tcp, payload, err := Decode(pkt)
			require.NoError(t, err)
			if match(tcp) {
				return tcp, payload
			}
		case <-deadline:
			t.Fatal("expected a matching transmitted segment, got none")
			return TCPHeader{}, nil
		}
	}
}

// expectQuiet fails the test if anything is transmitted within a short
// grace period.
func (d *captureDevice) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case pkt := <-d.out:
		_, tcp, _, err := Decode(pkt)
		require.NoError(t, err)
		t.Fatalf("expected no transmission, got %s segment", tcp.Flags)
	case <-time.After(50 * time.Millisecond):
	}
}

// newTestEngine builds an engine whose retransmission timers are effectively
// frozen, so tests observe exactly the segments their injections provoke.
func newTestEngine(t *testing.T) (*Engine, *captureDevice) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitialRTO = time.Hour
	cfg.MinRTO = time.Second
	cfg.MaxRTO = 2 * time.Hour
	return newTestEngineConfig(t, cfg)
}

func newTestEngineConfig(t *testing.T, cfg Config) (*Engine, *captureDevice) {
	t.Helper()
	dev := newCaptureDevice()
	e, err := NewEngine(dev, engineIP, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, dev
}

// inject delivers one segment from remote to the engine, with checksums and
// lengths filled in.
func inject(e *Engine, remote netip.AddrPort, localPort uint16, tcp TCPHeader, payload []byte) {
	tcp.SrcPort = remote.Port()
	tcp.DstPort = localPort
	e.handlePacket(Encode(IPv4Header{Src: remote.Addr(), Dst: e.local}, tcp, payload))
}

// acceptHandshake drives a passive open from remote to completion: SYN in,
// SYN+ACK out, ACK in, Accept. The peer's ISN is 100, so its first data
// byte is sequence 101. Returns the accepted connection and our ISN.
func acceptHandshake(t *testing.T, e *Engine, dev *captureDevice, l *Listener, remote netip.AddrPort) (*Conn, uint32) {
	t.Helper()
	inject(e, remote, l.Port(), TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)

	synAck, _ := dev.next(t)
	require.Equal(t, FlagSYN|FlagACK, synAck.Flags)
	require.Equal(t, uint32(101), synAck.Ack)
	iss := synAck.Seq

	inject(e, remote, l.Port(), TCPHeader{Seq: 101, Ack: iss + 1, Flags: FlagACK, Window: 4096}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())
	return conn, iss
}

// TestEngineRunDispatch exercises the device read loop end to end: a SYN
// written to the device yields a SYN+ACK without any direct handlePacket
// call.
func TestEngineRunDispatch(t *testing.T) {
	e, dev := newTestEngine(t)
	l, err := e.Listen(8080)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	syn := Encode(
		IPv4Header{Src: peerAddr.Addr(), Dst: engineIP},
		TCPHeader{SrcPort: peerAddr.Port(), DstPort: 8080, Seq: 100, Flags: FlagSYN, Window: 4096},
		nil,
	)
	dev.in <- syn

	synAck, _ := dev.next(t)
	assert.Equal(t, FlagSYN|FlagACK, synAck.Flags)
	assert.Equal(t, uint32(101), synAck.Ack)
}

func TestEngineDropsMalformedAndForeign(t *testing.T) {
	e, dev := newTestEngine(t)

	// Corrupt datagram: dropped without a reset.
	pkt := Encode(
		IPv4Header{Src: peerAddr.Addr(), Dst: engineIP},
		TCPHeader{SrcPort: 55000, DstPort: 80, Seq: 1, Flags: FlagACK, Window: 100},
		nil,
	)
	pkt[len(pkt)-1] ^= 0xff
	e.handlePacket(pkt)

	// Datagram for another host: ignored.
	e.handlePacket(Encode(
		IPv4Header{Src: peerAddr.Addr(), Dst: netip.MustParseAddr("10.0.0.99")},
		TCPHeader{SrcPort: 55000, DstPort: 80, Seq: 1, Flags: FlagSYN, Window: 100},
		nil,
	))

	dev.expectQuiet(t)
}

// TestResetGeneration covers the RFC 793 replies for segments that match no
// connection.
func TestResetGeneration(t *testing.T) {
	e, dev := newTestEngine(t)

	t.Run("ACK segment answered with RST at its ack", func(t *testing.T) {
		inject(e, peerAddr, 8080, TCPHeader{Seq: 300, Ack: 7777, Flags: FlagACK, Window: 100}, nil)
		rst, _ := dev.next(t)
		assert.Equal(t, FlagRST, rst.Flags)
		assert.Equal(t, uint32(7777), rst.Seq)
	})

	t.Run("SYN to closed port answered with RST+ACK", func(t *testing.T) {
		inject(e, peerAddr, 9999, TCPHeader{Seq: 400, Flags: FlagSYN, Window: 100}, nil)
		rst, _ := dev.next(t)
		assert.Equal(t, FlagRST|FlagACK, rst.Flags)
		assert.Equal(t, uint32(401), rst.Ack, "ack covers the SYN")
	})

	t.Run("stray RST is never answered", func(t *testing.T) {
		inject(e, peerAddr, 8080, TCPHeader{Seq: 500, Flags: FlagRST, Window: 100}, nil)
		dev.expectQuiet(t)
	})
}

func TestDialHandshake(t *testing.T) {
	e, dev := newTestEngine(t)
	remote := netip.MustParseAddrPort("10.0.0.2:80")

	type result struct {
		conn *Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := e.Dial(context.Background(), remote)
		done <- result{conn, err}
	}()

	syn, _ := dev.next(t)
	require.Equal(t, FlagSYN, syn.Flags)
	require.GreaterOrEqual(t, syn.SrcPort, uint16(ephemeralPortBase))
	iss := syn.Seq

	inject(e, remote, syn.SrcPort, TCPHeader{Seq: 500, Ack: iss + 1, Flags: FlagSYN | FlagACK, Window: 4096}, nil)

	ack, _ := dev.next(t)
	assert.Equal(t, FlagACK, ack.Flags)
	assert.Equal(t, uint32(501), ack.Ack)
	assert.Equal(t, iss+1, ack.Seq)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StateEstablished, r.conn.State())
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return")
	}
}

func TestDialRefused(t *testing.T) {
	e, dev := newTestEngine(t)
	remote := netip.MustParseAddrPort("10.0.0.2:81")

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Dial(context.Background(), remote)
		errCh <- err
	}()

	syn, _ := dev.next(t)
	require.Equal(t, FlagSYN, syn.Flags)

	inject(e, remote, syn.SrcPort, TCPHeader{Seq: 0, Ack: syn.Seq + 1, Flags: FlagRST | FlagACK, Window: 0}, nil)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionRefused)
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return")
	}
}

func TestDialContextCanceled(t *testing.T) {
	e, dev := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Dial(ctx, netip.MustParseAddrPort("10.0.0.2:82"))
		errCh <- err
	}()
	dev.next(t) // the SYN
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return")
	}
}

// TestSimultaneousOpen crosses two active opens: our SYN is answered by a
// bare SYN, which must move the connection to SYN_RECEIVED and elicit a
// SYN+ACK reusing our original ISN.
func TestSimultaneousOpen(t *testing.T) {
	e, dev := newTestEngine(t)
	remote := netip.MustParseAddrPort("10.0.0.2:83")

	type result struct {
		conn *Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := e.Dial(context.Background(), remote)
		done <- result{conn, err}
	}()

	syn, _ := dev.next(t)
	require.Equal(t, FlagSYN, syn.Flags)
	iss := syn.Seq

	inject(e, remote, syn.SrcPort, TCPHeader{Seq: 900, Flags: FlagSYN, Window: 4096}, nil)

	synAck, _ := dev.next(t)
	assert.Equal(t, FlagSYN|FlagACK, synAck.Flags)
	assert.Equal(t, iss, synAck.Seq, "SYN+ACK reuses the original ISN")
	assert.Equal(t, uint32(901), synAck.Ack)

	inject(e, remote, syn.SrcPort, TCPHeader{Seq: 901, Ack: iss + 1, Flags: FlagACK, Window: 4096}, nil)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StateEstablished, r.conn.State())
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return")
	}
}

func TestListenDuplicatePort(t *testing.T) {
	e, _ := newTestEngine(t)
	l, err := e.Listen(8080)
	require.NoError(t, err)
	defer l.Close()

	_, err = e.Listen(8080)
	assert.Error(t, err)
}

func TestAdmissionRejectedSYNGetsRST(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRTO = time.Hour
	cfg.MaxRTO = 2 * time.Hour
	cfg.Admission.Deny = []string{"10.0.0.2"}
	e, dev := newTestEngineConfig(t, cfg)

	l, err := e.Listen(8080)
	require.NoError(t, err)
	defer l.Close()

	inject(e, peerAddr, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
	rst, _ := dev.next(t)
	assert.True(t, rst.Flags.Has(FlagRST))
}

// TestAcceptBacklogOverflow completes more handshakes than the accept queue
// holds: the surplus connection is reset rather than left half-accepted.
func TestAcceptBacklogOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRTO = time.Hour
	cfg.MaxRTO = 2 * time.Hour
	cfg.AcceptBacklog = 1
	e, dev := newTestEngineConfig(t, cfg)

	l, err := e.Listen(8080)
	require.NoError(t, err)
	defer l.Close()

	for i, remote := range []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.2:55000"),
		netip.MustParseAddrPort("10.0.0.2:55001"),
	} {
		inject(e, remote, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
		synAck, _ := dev.next(t)
		require.Equal(t, FlagSYN|FlagACK, synAck.Flags, "handshake %d", i)
		inject(e, remote, 8080, TCPHeader{Seq: 101, Ack: synAck.Seq + 1, Flags: FlagACK, Window: 4096}, nil)
	}

	// The second connection overflowed the queue and was reset.
	rst, _ := dev.next(t)
	assert.True(t, rst.Flags.Has(FlagRST))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(55000), conn.Quad().Remote.Port())
}

func TestListenerClose(t *testing.T) {
	e, dev := newTestEngine(t)
	l, err := e.Listen(8080)
	require.NoError(t, err)
	l.Close()

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)

	// SYNs to the closed port now get the no-connection reset.
	inject(e, peerAddr, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
	rst, _ := dev.next(t)
	assert.True(t, rst.Flags.Has(FlagRST))
}

// TestListenerCloseResetsQueuedConnections closes a listener while an
// established connection is still waiting in the accept queue: the
// connection is reset and removed rather than left lingering in the table.
func TestListenerCloseResetsQueuedConnections(t *testing.T) {
	e, dev := newTestEngine(t)
	l, err := e.Listen(8080)
	require.NoError(t, err)

	inject(e, peerAddr, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
	synAck, _ := dev.next(t)
	require.Equal(t, FlagSYN|FlagACK, synAck.Flags)
	inject(e, peerAddr, 8080, TCPHeader{Seq: 101, Ack: synAck.Seq + 1, Flags: FlagACK, Window: 4096}, nil)

	quad := Quad{Local: netip.AddrPortFrom(engineIP, 8080), Remote: peerAddr}
	require.NotNil(t, e.table.route(quad))

	l.Close()

	rst, _ := dev.next(t)
	assert.True(t, rst.Flags.Has(FlagRST))
	assert.Nil(t, e.table.route(quad))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, ErrListenerClosed)
}

// TestAdmissionSlotReleasedOnISSFailure fails sequence number generation for
// one SYN and verifies its admission slot is returned: with a concurrency
// cap of one, a later SYN must still be admitted.
func TestAdmissionSlotReleasedOnISSFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRTO = time.Hour
	cfg.MaxRTO = 2 * time.Hour
	cfg.Admission.MaxConcurrent = 1
	e, dev := newTestEngineConfig(t, cfg)

	l, err := e.Listen(8080)
	require.NoError(t, err)
	defer l.Close()

	e.issFn = func() (uint32, error) { return 0, errors.New("entropy exhausted") }
	inject(e, peerAddr, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
	dev.expectQuiet(t)

	e.issFn = generateISS
	inject(e, peerAddr, 8080, TCPHeader{Seq: 100, Flags: FlagSYN, Window: 4096}, nil)
	synAck, _ := dev.next(t)
	assert.Equal(t, FlagSYN|FlagACK, synAck.Flags)
}

func TestEngineCloseAbortsConnections(t *testing.T) {
	e, dev := newTestEngine(t)
	l, err := e.Listen(8080)
	require.NoError(t, err)
	conn, _ := acceptHandshake(t, e, dev, l, peerAddr)

	require.NoError(t, e.Close())

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrConnectionReset)

	_, err = e.Dial(context.Background(), netip.MustParseAddrPort("10.0.0.2:80"))
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, err = e.Listen(9090)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
