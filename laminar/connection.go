package laminar

import (
	"net"
	"time"
)

// connState is the VirtualConnection lifecycle state.
type connState uint8

const (
	connConnecting connState = iota
	connConnected
	connDisconnected
)

// congestionMode gates heartbeat cadence and resend timeout.
type congestionMode uint8

const (
	congestionGood congestionMode = iota
	congestionBad
)

// sentEntry records one in-flight reliable packet awaiting acknowledgement.
// Resending replaces the entry under a new sequence number while preserving
// everything the application cares about, so ordered streams stay
// consistent across resends.
type sentEntry struct {
	sendTime    time.Time
	payload     []byte
	guarantee   DeliveryGuarantee
	streamID    uint8
	arrangingID uint16
	hasArr      bool
	retries     int
}

// VirtualConnection is the per-peer bookkeeping record this module tracks
// per remote address. UDP itself has no connections; this struct is what "virtual
// connection" means here. One Processor's worth of logic (see processor.go)
// operates on it per tick and per packet.
type VirtualConnection struct {
	Addr net.Addr

	localSeq         uint16
	remoteSeq        uint16
	haveRemoteSeq    bool
	receivedBitfield uint32

	sentBuffer     map[uint16]*sentEntry
	receivedBuffer map[uint16]time.Time // dedup marker -> last-seen, for bounded eviction

	rttEstimate time.Duration
	rttVariance time.Duration

	mode             congestionMode
	rttAboveSince     time.Time
	rttBelowSince     time.Time
	haveRttAboveSince bool
	haveRttBelowSince bool

	arranging      *arrangingSystems
	fragments      *fragmentReassembly
	nextFragmentID uint16

	lastHeard time.Time
	lastSent  time.Time

	// hasSent/hasReceived track whether at least one outbound and one
	// inbound packet have been processed, gating the Connect event on
	// first bidirectional exchange.
	hasSent     bool
	hasReceived bool

	state connState

	cfg Config

	// droppedReliable holds reliable packets evicted from sentBuffer before
	// being acked (after maxResendRetries resends in processor.go). The
	// driver re-submits them as fresh sends on the next outbound send to
	// this peer or on the connection's next tick, whichever comes first.
	droppedReliable []*sentEntry

	// stats, logged rather than returned.
	staleDrops      uint64
	duplicateDrops  uint64
	reassemblyDrops uint64
	orderOverflows  uint64
}

func newVirtualConnection(addr net.Addr, cfg Config, now time.Time) *VirtualConnection {
	return &VirtualConnection{
		Addr:           addr,
		sentBuffer:     make(map[uint16]*sentEntry),
		receivedBuffer: make(map[uint16]time.Time),
		arranging:      newArrangingSystems(cfg.OrderBufferCap),
		fragments:      newFragmentReassembly(cfg.RTOMax * 5),
		lastHeard:      now,
		state:          connConnecting,
		cfg:            cfg,
	}
}

// nextSeq returns and advances the outgoing sequence number. Strictly
// monotonic modulo 2^16.
func (c *VirtualConnection) nextSeq() uint16 {
	seq := c.localSeq
	c.localSeq++
	return seq
}

// sentBufferFull reports whether sentBuffer is at MaxPacketsInFlight
// capacity, used to back-pressure new reliable submissions rather than
// silently evicting the oldest entry.
func (c *VirtualConnection) sentBufferFull() bool {
	return len(c.sentBuffer) >= c.cfg.MaxPacketsInFlight
}

// recordSent stores an in-flight reliable packet.
func (c *VirtualConnection) recordSent(seq uint16, e *sentEntry, now time.Time) {
	c.sentBuffer[seq] = e
	c.lastSent = now
}

// isDuplicate reports whether seq has already been delivered to the
// application on a reliable guarantee, marking it seen if not. Bounded:
// once an insert leaves more than 2x MaxPacketsInFlight entries, the entry
// recorded longest ago is evicted to cap memory.
func (c *VirtualConnection) isDuplicate(seq uint16, now time.Time) bool {
	if _, seen := c.receivedBuffer[seq]; seen {
		return true
	}
	c.receivedBuffer[seq] = now
	if len(c.receivedBuffer) > 2*c.cfg.MaxPacketsInFlight {
		c.evictOldestReceived()
	}
	return false
}

func (c *VirtualConnection) evictOldestReceived() {
	var oldestSeq uint16
	var oldestTime time.Time
	first := true
	for seq, t := range c.receivedBuffer {
		if first || t.Before(oldestTime) {
			oldestSeq, oldestTime, first = seq, t, false
		}
	}
	if !first {
		delete(c.receivedBuffer, oldestSeq)
	}
}

// updateRTT applies an exponentially weighted moving average to the RTT
// estimate and its variance.
func (c *VirtualConnection) updateRTT(sample time.Duration, now time.Time) {
	const alpha = 0.1
	delta := sample - c.rttEstimate
	c.rttEstimate += time.Duration(alpha * float64(delta))
	varDelta := absDuration(sample-c.rttEstimate) - c.rttVariance
	c.rttVariance += time.Duration(alpha * float64(varDelta))
	c.updateCongestionMode(now)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// resendTimeout computes the current RTO, clamped to [RTOMin, RTOMax] and
// doubled while in Bad congestion mode.
func (c *VirtualConnection) resendTimeout() time.Duration {
	rto := c.rttEstimate + 4*c.rttVariance
	if rto < c.cfg.RTOMin {
		rto = c.cfg.RTOMin
	}
	if rto > c.cfg.RTOMax {
		rto = c.cfg.RTOMax
	}
	if c.mode == congestionBad {
		rto *= 2
	}
	return rto
}

// updateCongestionMode applies the Good/Bad hysteresis:
// entry/exit requires the threshold to hold for RTTThresholdDuration, not a
// single sample.
func (c *VirtualConnection) updateCongestionMode(now time.Time) {
	above := c.rttEstimate > c.cfg.RTTThreshold

	if above {
		if !c.haveRttAboveSince {
			c.rttAboveSince = now
			c.haveRttAboveSince = true
		}
		c.haveRttBelowSince = false
		if c.mode == congestionGood && now.Sub(c.rttAboveSince) >= c.cfg.RTTThresholdDuration {
			c.mode = congestionBad
		}
	} else {
		if !c.haveRttBelowSince {
			c.rttBelowSince = now
			c.haveRttBelowSince = true
		}
		c.haveRttAboveSince = false
		if c.mode == congestionBad && now.Sub(c.rttBelowSince) >= c.cfg.RTTThresholdDuration {
			c.mode = congestionGood
		}
	}
}

// heartbeatInterval returns the keepalive period for the current mode.
func (c *VirtualConnection) heartbeatInterval() time.Duration {
	if c.mode == congestionBad {
		return c.cfg.HeartbeatBad
	}
	return c.cfg.HeartbeatGood
}

// nextFragID returns and advances the per-connection fragment id counter.
func (c *VirtualConnection) nextFragID() uint16 {
	id := c.nextFragmentID
	c.nextFragmentID++
	return id
}

// gatherDroppedPackets returns and clears reliable packets evicted from the
// resend engine's view before being acked, so the driver can re-submit
// them on the next send to this peer or the next tick — see SPEC_FULL.md's
// "Dropped-reliable-packet piggybacking" entry.
func (c *VirtualConnection) gatherDroppedPackets() []*sentEntry {
	if len(c.droppedReliable) == 0 {
		return nil
	}
	dropped := c.droppedReliable
	c.droppedReliable = nil
	return dropped
}
