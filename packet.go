package rawtcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

const (
	// ipv4HeaderLen is the length of an IPv4 header without options.
	ipv4HeaderLen = 20
	// tcpHeaderLen is the length of a TCP header without options.
	tcpHeaderLen = 20
	// protoTCP is the IP protocol number for TCP.
	protoTCP = 6
	// defaultTTL is written into outbound datagrams.
	defaultTTL = 64
	// flagDF is the IPv4 "don't fragment" bit in the flags/fragment field.
	flagDF = 0x4000
)

// Flags holds the TCP control bits of a segment.
type Flags uint8

const (
	// FlagFIN indicates the sender has no more data.
	FlagFIN Flags = 1 << iota
	// FlagSYN synchronizes sequence numbers during connection setup.
	FlagSYN
	// FlagRST aborts the connection.
	FlagRST
	// FlagPSH asks the receiver to deliver buffered data promptly.
	FlagPSH
	// FlagACK marks the acknowledgment field as valid.
	FlagACK
	// FlagURG marks the urgent pointer field as valid.
	FlagURG
)

// Has returns true if all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// String returns a pipe-separated list of the set control bits.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"},
		{FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagURG, "URG"},
	}
	var set []string
	for _, n := range names {
		if f&n.bit != 0 {
			set = append(set, n.name)
		}
	}
	return strings.Join(set, "|")
}

// IPv4Header holds the fields of an IPv4 header that the engine reads or
// writes. Options are skipped on decode and never generated on encode.
type IPv4Header struct {
	TOS uint8
	ID  uint16
	TTL uint8
	Src netip.Addr
	Dst netip.Addr
}

// TCPHeader holds the fixed fields of a TCP header. Options are skipped on
// decode and never generated on encode; the segment size is bounded by the
// configured MSS instead.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
	Urgent  uint16
}

// SegLen returns the sequence space the segment occupies: payload length
// plus one for SYN and one for FIN.
func (h TCPHeader) SegLen(payloadLen int) uint32 {
	l := uint32(payloadLen)
	if h.Flags.Has(FlagSYN) {
		l++
	}
	if h.Flags.Has(FlagFIN) {
		l++
	}
	return l
}

// Decode parses one IPv4 datagram into its IP header, TCP header and payload.
// It is a pure transformation: the returned payload aliases datagram.
//
// Validation order: minimum length, IP version, header-declared bounds,
// protocol number, IP header checksum, TCP bounds, TCP checksum over the
// pseudo-header. Failures return ErrTruncated, ErrUnsupportedProtocol or
// ErrChecksumMismatch; the caller drops the datagram without replying.
func Decode(datagram []byte) (IPv4Header, TCPHeader, []byte, error) {
	var ip IPv4Header
	var tcp TCPHeader

	if len(datagram) < ipv4HeaderLen {
		return ip, tcp, nil, fmt.Errorf("%w: %d byte datagram", ErrTruncated, len(datagram))
	}
	if version := datagram[0] >> 4; version != 4 {
		return ip, tcp, nil, fmt.Errorf("%w: IP version %d", ErrUnsupportedProtocol, version)
	}
	ihl := int(datagram[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(datagram) {
		return ip, tcp, nil, fmt.Errorf("%w: IHL %d", ErrTruncated, ihl)
	}
	total := int(binary.BigEndian.Uint16(datagram[2:4]))
	if total < ihl+tcpHeaderLen || total > len(datagram) {
		return ip, tcp, nil, fmt.Errorf("%w: total length %d", ErrTruncated, total)
	}
	if proto := datagram[9]; proto != protoTCP {
		return ip, tcp, nil, fmt.Errorf("%w: IP protocol %d", ErrUnsupportedProtocol, proto)
	}
	// A correct IPv4 header sums to zero with its checksum field included.
	if checksumFold(checksumAdd(0, datagram[:ihl])) != 0 {
		return ip, tcp, nil, fmt.Errorf("%w: IP header", ErrChecksumMismatch)
	}

	ip.TOS = datagram[1]
	ip.ID = binary.BigEndian.Uint16(datagram[4:6])
	ip.TTL = datagram[8]
	ip.Src = netip.AddrFrom4([4]byte(datagram[12:16]))
	ip.Dst = netip.AddrFrom4([4]byte(datagram[16:20]))

	segment := datagram[ihl:total]
	dataOff := int(segment[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(segment) {
		return ip, tcp, nil, fmt.Errorf("%w: TCP data offset %d", ErrTruncated, dataOff)
	}
	if tcpChecksum(ip.Src.As4(), ip.Dst.As4(), segment) != 0 {
		return ip, tcp, nil, fmt.Errorf("%w: TCP segment", ErrChecksumMismatch)
	}

	tcp.SrcPort = binary.BigEndian.Uint16(segment[0:2])
	tcp.DstPort = binary.BigEndian.Uint16(segment[2:4])
	tcp.Seq = binary.BigEndian.Uint32(segment[4:8])
	tcp.Ack = binary.BigEndian.Uint32(segment[8:12])
	tcp.Flags = Flags(segment[13] & 0x3f)
	tcp.Window = binary.BigEndian.Uint16(segment[14:16])
	tcp.Urgent = binary.BigEndian.Uint16(segment[18:20])

	return ip, tcp, segment[dataOff:], nil
}

// Encode serializes an IP header, TCP header and payload into one datagram.
// Both checksums are always recomputed; any caller-supplied value is ignored.
func Encode(ip IPv4Header, tcp TCPHeader, payload []byte) []byte {
	total := ipv4HeaderLen + tcpHeaderLen + len(payload)
	buf := make([]byte, total)

	ttl := ip.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	buf[0] = 4<<4 | ipv4HeaderLen/4
	buf[1] = ip.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], ip.ID)
	binary.BigEndian.PutUint16(buf[6:8], flagDF)
	buf[8] = ttl
	buf[9] = protoTCP
	src := ip.Src.As4()
	dst := ip.Dst.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], checksumFold(checksumAdd(0, buf[:ipv4HeaderLen])))

	seg := buf[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], tcp.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], tcp.DstPort)
	binary.BigEndian.PutUint32(seg[4:8], tcp.Seq)
	binary.BigEndian.PutUint32(seg[8:12], tcp.Ack)
	seg[12] = tcpHeaderLen / 4 << 4
	seg[13] = byte(tcp.Flags)
	binary.BigEndian.PutUint16(seg[14:16], tcp.Window)
	binary.BigEndian.PutUint16(seg[18:20], tcp.Urgent)
	copy(seg[tcpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[16:18], tcpChecksum(src, dst, seg))

	return buf
}

// checksumAdd accumulates the one's-complement 16-bit sum of buf. An odd
// trailing byte is padded with zeros on the right, so only the final chunk
// of a multi-chunk sum may have odd length.
func checksumAdd(sum uint32, buf []byte) uint32 {
	n := len(buf) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	if len(buf)&1 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return sum
}

// checksumFold reduces the accumulated sum to 16 bits with end-around carry
// and returns its one's complement.
func checksumFold(sum uint32) uint16 {
	sum = sum&0xffff + sum>>16
	// sum is at most 0x1fffe here, one more round absorbs the carry
	return ^uint16(sum + sum>>16)
}

// tcpChecksum computes the TCP checksum over the RFC 793 pseudo-header
// (source address, destination address, protocol, TCP length) followed by
// the TCP header and payload in segment. Verifying a received segment yields
// zero; computing for transmission requires a zeroed checksum field.
func tcpChecksum(src, dst [4]byte, segment []byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = protoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	sum := checksumAdd(0, pseudo[:])
	sum = checksumAdd(sum, segment)
	return checksumFold(sum)
}

// generateISS returns an unpredictable initial send sequence number.
// Randomness resists off-path sequence prediction; a clock-driven ISS
// generator is predictable across connections.
func generateISS() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate ISS: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
