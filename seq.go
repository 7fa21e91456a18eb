package rawtcp

// Sequence-space arithmetic per RFC 793 §3.3. All comparisons are performed
// modulo 2^32 using signed interpretation of the difference, so they remain
// correct when sequence numbers wrap from 0xFFFFFFFF to 0.

// seqLessThan compares two sequence numbers with wrap-around handling.
// Returns true if a < b in sequence space. For example:
// seqLessThan(0xFFFFFFFE, 0x00000001) is true because 0xFFFFFFFE comes
// "before" 0x00000001 after wrap-around.
func seqLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessThanOrEqual returns true if a <= b in sequence space.
func seqLessThanOrEqual(a, b uint32) bool {
	return a == b || seqLessThan(a, b)
}

// seqGreaterThan returns true if a > b in sequence space.
func seqGreaterThan(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqGreaterThanOrEqual returns true if a >= b in sequence space.
func seqGreaterThanOrEqual(a, b uint32) bool {
	return a == b || seqGreaterThan(a, b)
}

// seqBetween returns true if start < x < end in sequence space, with both
// bounds exclusive. This is the window-membership primitive behind the
// segment acceptance and ACK acceptability tests.
func seqBetween(x, start, end uint32) bool {
	return seqLessThan(start, x) && seqLessThan(x, end)
}

// ackAcceptable reports whether an incoming acknowledgment number may advance
// SND.UNA: SND.UNA < SEG.ACK <= SND.NXT.
func ackAcceptable(una, ack, nxt uint32) bool {
	return seqLessThan(una, ack) && seqLessThanOrEqual(ack, nxt)
}

// segmentAcceptable implements the four-case segment acceptance test of
// RFC 793 §3.3: a segment of length segLen starting at seq is acceptable iff
// it overlaps the receive window [rcvNxt, rcvNxt+rcvWnd).
//
//	len=0 wnd=0: SEG.SEQ == RCV.NXT
//	len=0 wnd>0: RCV.NXT <= SEG.SEQ < RCV.NXT+RCV.WND
//	len>0 wnd=0: not acceptable
//	len>0 wnd>0: first or last octet of the segment lies inside the window
func segmentAcceptable(seq, segLen, rcvNxt, rcvWnd uint32) bool {
	wndEnd := rcvNxt + rcvWnd
	if segLen == 0 {
		if rcvWnd == 0 {
			return seq == rcvNxt
		}
		return seqBetween(seq, rcvNxt-1, wndEnd)
	}
	if rcvWnd == 0 {
		return false
	}
	return seqBetween(seq, rcvNxt-1, wndEnd) ||
		seqBetween(seq+segLen-1, rcvNxt-1, wndEnd)
}
