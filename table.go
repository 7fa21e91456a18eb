package rawtcp

import (
	"fmt"
	"net/netip"
	"sync"
)

// Quad is the immutable 4-tuple identifying one connection's traffic among
// all segments seen on the interface. Local is this host's address and port,
// Remote the peer's. Quad is comparable and used directly as a map key.
type Quad struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (q Quad) String() string {
	return fmt.Sprintf("%s<->%s", q.Local, q.Remote)
}

// quadFromSegment derives the connection key for an inbound segment: the
// datagram's destination is our local endpoint, its source the remote one.
func quadFromSegment(ip IPv4Header, tcp TCPHeader) Quad {
	return Quad{
		Local:  netip.AddrPortFrom(ip.Dst, tcp.DstPort),
		Remote: netip.AddrPortFrom(ip.Src, tcp.SrcPort),
	}
}

// connTable owns the set of live connections and listening ports. An exact
// quad match always takes priority over a listening-port entry; the latter
// only signals a passive-open candidate for SYN segments.
//
// The table serializes its own map accesses; per-connection state is guarded
// by each Conn's own mutex, so operations on different quads proceed
// independently.
type connTable struct {
	mu        sync.RWMutex
	conns     map[Quad]*Conn
	listeners map[uint16]*Listener
}

func newConnTable() *connTable {
	return &connTable{
		conns:     make(map[Quad]*Conn),
		listeners: make(map[uint16]*Listener),
	}
}

// route returns the connection for an exact quad match, or nil.
func (t *connTable) route(q Quad) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[q]
}

// insert registers a connection. It fails with ErrDuplicateQuad if the quad
// already has a live connection; existing state is never overwritten.
func (t *connTable) insert(q Quad, c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.conns[q]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateQuad, q)
	}
	t.conns[q] = c
	return nil
}

// remove deletes the quad's entry. Removing an absent quad is a no-op.
func (t *connTable) remove(q Quad) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, q)
}

// listening reports whether a listener is registered on the port.
func (t *connTable) listening(port uint16) bool {
	return t.listener(port) != nil
}

// listener returns the listener registered on the port, or nil.
func (t *connTable) listener(port uint16) *Listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listeners[port]
}

// addListener registers a listening port. Fails if the port is taken.
func (t *connTable) addListener(port uint16, l *Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[port]; exists {
		return fmt.Errorf("port %d already listening: %w", port, ErrDuplicateQuad)
	}
	t.listeners[port] = l
	return nil
}

// removeListener unregisters a listening port.
func (t *connTable) removeListener(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, port)
}

// portInUse reports whether any live connection uses the local port. Used by
// the ephemeral port allocator for active opens.
func (t *connTable) portInUse(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.listeners[port]; ok {
		return true
	}
	for q := range t.conns {
		if q.Local.Port() == port {
			return true
		}
	}
	return false
}

// snapshot returns all live connections. Used for engine shutdown.
func (t *connTable) snapshot() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}
