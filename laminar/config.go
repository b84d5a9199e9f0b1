package laminar

import "time"

// ProtocolVersion is the wire version every datagram must carry in its
// leading 2 bytes. Strict equality — no tolerated minor versions.
const ProtocolVersion uint16 = 1

// Config holds the tunable knobs for a Socket, all optional with the
// documented defaults. See DESIGN.md for why this is a plain struct
// rather than functional options.
type Config struct {
	// IdleTimeout is the connection reap threshold.
	IdleTimeout time.Duration
	// HeartbeatGood/HeartbeatBad are the keepalive periods in Good/Bad
	// congestion mode.
	HeartbeatGood time.Duration
	HeartbeatBad  time.Duration
	// RTTThreshold/RTTThresholdDuration gate the Good<->Bad hysteresis.
	RTTThreshold         time.Duration
	RTTThresholdDuration time.Duration
	// RTOMin/RTOMax clamp the computed resend timeout.
	RTOMin time.Duration
	RTOMax time.Duration
	// MaxFragments caps the number of fragments per message.
	MaxFragments int
	// FragmentSize is the max bytes per fragment body (also the MTU for
	// unfragmented payloads).
	FragmentSize int
	// MaxUnestablishedConnections bounds half-open (Connecting) peers.
	MaxUnestablishedConnections int
	// MaxConnections bounds the connection table as a whole.
	MaxConnections int
	// MaxPacketsInFlight caps sent_buffer entries per connection.
	MaxPacketsInFlight int
	// ReceiveBufferMaxSize is the largest datagram the endpoint accepts;
	// anything longer is dropped with a warning instead of being handed
	// to the processor truncated.
	ReceiveBufferMaxSize int
	// OrderBufferCap bounds the per-stream ordering ring buffer.
	OrderBufferCap int
	// EventQueueCap bounds the driver's outbound event queue.
	EventQueueCap int
	// OutboundQueueCap bounds the driver's inbound-from-application queue.
	OutboundQueueCap int
	// TickInterval is the poll-loop granularity, typically a few milliseconds.
	TickInterval time.Duration
}

// DefaultConfig returns the default tunable values for Config.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:                  5 * time.Second,
		HeartbeatGood:                25 * time.Millisecond,
		HeartbeatBad:                 200 * time.Millisecond,
		RTTThreshold:                 250 * time.Millisecond,
		RTTThresholdDuration:         1 * time.Second,
		RTOMin:                       100 * time.Millisecond,
		RTOMax:                       1 * time.Second,
		MaxFragments:                 255,
		FragmentSize:                 1450,
		MaxUnestablishedConnections:  50,
		MaxConnections:               128,
		MaxPacketsInFlight:           1024,
		ReceiveBufferMaxSize:         1500,
		OrderBufferCap:               1024,
		EventQueueCap:                2048,
		OutboundQueueCap:             2048,
		TickInterval:                 5 * time.Millisecond,
	}
}

// maxPayloadSize is the largest application payload DefaultConfig-shaped
// fragmentation can carry: fragment_size * max_fragments.
func (c Config) maxPayloadSize() int {
	return c.FragmentSize * c.MaxFragments
}
