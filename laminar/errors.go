package laminar

import "errors"

// Sentinel errors surfaced to callers. Internal silent-drop paths (stale
// sequence, duplicate reliable packet, partial-fragment timeout) are
// counted in Stats, never returned; of these only partial-fragment
// timeouts are also logged.
var (
	// ErrMalformedHeader is returned when a datagram is too short to
	// contain the headers its packet-type/delivery tags imply.
	ErrMalformedHeader = errors.New("laminar: malformed header")
	// ErrProtocolVersionMismatch is returned when a datagram's version
	// field does not equal ProtocolVersion.
	ErrProtocolVersionMismatch = errors.New("laminar: protocol version mismatch")
	// ErrPacketTooLarge is returned when a submitted payload exceeds
	// fragment_size * max_fragments.
	ErrPacketTooLarge = errors.New("laminar: packet too large")
	// ErrConnectionLimitReached is returned when the connection table is
	// full and a new peer address is observed.
	ErrConnectionLimitReached = errors.New("laminar: connection limit reached")
	// ErrDatagramTooLarge is raised internally when an inbound datagram
	// exceeds ReceiveBufferMaxSize; it never reaches decodeFrame and is
	// always a silent, counted drop.
	ErrDatagramTooLarge = errors.New("laminar: datagram too large")
	// ErrDriverClosed is returned by Socket methods once the driver has
	// shut down.
	ErrDriverClosed = errors.New("laminar: driver closed")
	// ErrDriverFatal wraps the underlying cause when the driver terminates
	// due to an unrecoverable endpoint error.
	ErrDriverFatal = errors.New("laminar: fatal driver error")
	// ErrWouldBlock is raised internally when a connection's reliable
	// sent_buffer has no room left for a new submission. It never reaches
	// Socket.Send directly — the outbound queue handles its own
	// back-pressure (evict-oldest for Unreliable, block the caller for
	// Reliable) before a packet ever gets this far — so this case is
	// surfaced as an EventError from the driver's own processing instead.
	ErrWouldBlock = errors.New("laminar: would block")
)
