package rawtcp

import "errors"

// Decode errors. A datagram that fails to decode is dropped without a reply;
// none of these is ever fatal to the engine.
var (
	// ErrTruncated indicates a datagram too short for the headers it declares.
	ErrTruncated = errors.New("truncated datagram")

	// ErrUnsupportedProtocol indicates a datagram that is not IPv4 carrying TCP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrChecksumMismatch indicates a datagram whose IP or TCP checksum does
	// not match its contents.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Connection errors surfaced through the endpoint API as the terminal result
// of a blocked Read, Write, Dial or Accept.
var (
	// ErrConnectionReset indicates the peer sent a RST, or the connection was
	// aborted locally.
	ErrConnectionReset = errors.New("connection reset")

	// ErrConnectionTimedOut indicates the retransmission retry ceiling was
	// exceeded and the connection was aborted.
	ErrConnectionTimedOut = errors.New("connection timed out")

	// ErrNoSuchConnection indicates an operation referenced a connection that
	// is no longer in the connection table.
	ErrNoSuchConnection = errors.New("no such connection")

	// ErrDuplicateQuad indicates an insert for a quad that already has a live
	// connection. The existing connection state is never overwritten.
	ErrDuplicateQuad = errors.New("connection already exists for quad")

	// ErrConnectionRefused indicates admission control rejected a connection
	// attempt.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrListenerClosed indicates an Accept on a closed listener.
	ErrListenerClosed = errors.New("listener closed")

	// ErrEngineClosed indicates an operation on an engine that has shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// timeoutError implements net.Error for deadline expiry on Read and Write.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
