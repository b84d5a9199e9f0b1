package laminar

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// driver.go implements the single-threaded cooperative event loop.
// One tick: process_outbound -> endpoint.recv -> process_inbound ->
// per-connection update -> table.reap. Outbound and inbound events flow
// through the bounded eventQueue below, whose back-pressure rule (drop
// oldest Packet, never Connect/Timeout) needs somewhere to live — a plain
// buffered Go channel can't selectively evict, so this is a small
// mutex-guarded ring instead.

// conditionerLink is the narrow interface driver.go needs from
// conditioner.Link, kept local to avoid an import cycle between the
// laminar and conditioner packages.
type conditionerLink interface {
	ShouldDrop() bool
}

// eventQueue is the bounded, eviction-aware event channel the driver
// pushes Events onto.
type eventQueue struct {
	mu     sync.Mutex
	buf    []Event
	cap    int
	notify chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{cap: capacity, notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if len(q.buf) >= q.cap && !q.evictOldestPacketLocked() && e.Type == EventPacket {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) evictOldestPacketLocked() bool {
	for i, e := range q.buf {
		if e.Type == EventPacket {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return true
		}
	}
	return false
}

func (q *eventQueue) tryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Event{}, false
	}
	e := q.buf[0]
	q.buf = q.buf[1:]
	return e, true
}

// pop blocks until an event is available or stop fires.
func (q *eventQueue) pop(stop <-chan struct{}) (Event, bool) {
	for {
		if e, ok := q.tryPop(); ok {
			return e, true
		}
		select {
		case <-q.notify:
		case <-stop:
			return Event{}, false
		}
	}
}

// outboundQueue is the bounded, guarantee-differentiated queue between
// Socket.Send and the driver's single-threaded processOutbound step.
// Unreliable/UnreliableSequenced submissions never block the caller: when
// full, the oldest buffered entry of the same family is evicted to make
// room. Reliable submissions instead block the caller until room frees up,
// since dropping one would silently lose application state rather than
// just a stale snapshot.
type outboundQueue struct {
	mu        sync.Mutex
	buf       []OutPacket
	cap       int
	roomAvail chan struct{}
	itemAvail chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		cap:       capacity,
		roomAvail: make(chan struct{}, 1),
		itemAvail: make(chan struct{}, 1),
	}
}

func (q *outboundQueue) pushUnreliable(out OutPacket) {
	q.mu.Lock()
	if len(q.buf) >= q.cap && !q.evictOldestUnreliableLocked() {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, out)
	q.mu.Unlock()
	q.signal(q.itemAvail)
}

func (q *outboundQueue) evictOldestUnreliableLocked() bool {
	for i, o := range q.buf {
		if !o.Guarantee.reliable() {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return true
		}
	}
	return false
}

// pushReliable blocks until the queue has room or closed fires.
func (q *outboundQueue) pushReliable(out OutPacket, closed <-chan struct{}) error {
	for {
		q.mu.Lock()
		if len(q.buf) < q.cap {
			q.buf = append(q.buf, out)
			q.mu.Unlock()
			q.signal(q.itemAvail)
			return nil
		}
		q.mu.Unlock()
		select {
		case <-q.roomAvail:
		case <-closed:
			return ErrDriverClosed
		}
	}
}

func (q *outboundQueue) tryPop() (OutPacket, bool) {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return OutPacket{}, false
	}
	out := q.buf[0]
	q.buf = q.buf[1:]
	q.mu.Unlock()
	q.signal(q.roomAvail)
	return out, true
}

func (q *outboundQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stats counts the local-and-silent failure classes. Every
// field is a count since driver start, read with Socket.Stats().
type Stats struct {
	MalformedDrops   uint64
	DuplicateDrops   uint64
	StaleDrops       uint64
	ReassemblyDrops  uint64
	OrderOverflows   uint64
	ConditionerDrops uint64
	OversizedDrops   uint64
}

// driver owns the endpoint, connection table and processor, and runs the
// poll loop. Socket (socket.go) is the public-facing wrapper around it.
type driver struct {
	cfg       Config
	endpoint  *datagramEndpoint
	table     *connectionTable
	proc      *processor
	events    *eventQueue
	outbound  *outboundQueue
	logger    zerolog.Logger
	linkMu    sync.Mutex
	link      conditionerLink
	statsMu   sync.Mutex
	stats     Stats
	closeOnce sync.Once
	closed    chan struct{}
	fatalErr  error
}

func newDriver(endpoint *datagramEndpoint, cfg Config, logger zerolog.Logger) *driver {
	return &driver{
		cfg:      cfg,
		endpoint: endpoint,
		table:    newConnectionTable(cfg),
		proc:     newProcessor(cfg),
		events:   newEventQueue(cfg.EventQueueCap),
		outbound: newOutboundQueue(cfg.OutboundQueueCap),
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

func (d *driver) setLinkConditioner(l conditionerLink) {
	d.linkMu.Lock()
	d.link = l
	d.linkMu.Unlock()
}

func (d *driver) shouldDropForTesting() bool {
	d.linkMu.Lock()
	l := d.link
	d.linkMu.Unlock()
	if l == nil {
		return false
	}
	return l.ShouldDrop()
}

// submit enqueues out for the next processOutbound pass. Unreliable
// guarantees never block: a full queue evicts the oldest buffered
// Unreliable/UnreliableSequenced entry first, matching the "drop oldest
// Unreliable" half of the outbound back-pressure split. Reliable
// guarantees block the caller until room frees up, or until the driver
// closes out from under it.
func (d *driver) submit(out OutPacket) error {
	select {
	case <-d.closed:
		return ErrDriverClosed
	default:
	}
	if !out.Guarantee.reliable() {
		d.outbound.pushUnreliable(out)
		return nil
	}
	return d.outbound.pushReliable(out, d.closed)
}

// manualPoll runs exactly one iteration of the loop.
func (d *driver) manualPoll(now time.Time) {
	d.processOutbound(now)
	d.processInboundDrain(now)
	d.table.each(func(c *VirtualConnection) {
		d.tickConnection(c, now)
	})
	for _, c := range d.table.reap(now) {
		d.events.push(Event{Type: EventTimeout, Addr: c.Addr})
	}
}

func (d *driver) processOutbound(now time.Time) {
	for {
		out, ok := d.outbound.tryPop()
		if !ok {
			return
		}
		d.sendOne(out, now)
	}
}

func (d *driver) sendOne(out OutPacket, now time.Time) {
	conn, created, ok := d.table.getOrCreate(out.Addr, now)
	if !ok {
		d.events.push(Event{Type: EventError, Addr: out.Addr, Err: ErrConnectionLimitReached})
		return
	}
	_ = created

	raws, err := d.proc.encodeOutgoing(conn, out, now)
	if err != nil {
		d.events.push(Event{Type: EventError, Addr: out.Addr, Err: err})
		return
	}
	conn.hasSent = true
	d.maybeFireConnect(conn)
	for _, raw := range raws {
		d.writeDatagram(conn.Addr, raw)
	}
	d.resendGathered(conn, now)
}

// resendGathered re-submits packets gathered by the resend engine's
// give-up path as fresh sends.
func (d *driver) resendGathered(conn *VirtualConnection, now time.Time) {
	for _, e := range conn.gatherDroppedPackets() {
		payload := reconstructPayload(e.payload)
		out := OutPacket{Addr: conn.Addr, Payload: payload, Guarantee: e.guarantee, StreamID: e.streamID}
		raws, err := d.proc.encodeOutgoing(conn, out, now)
		if err != nil {
			d.logger.Debug().Err(err).Msg("dropped-packet recycle failed")
			continue
		}
		for _, raw := range raws {
			d.writeDatagram(conn.Addr, raw)
		}
	}
}

func reconstructPayload(joined []byte) []byte {
	var out []byte
	for _, raw := range splitRaw(joined) {
		f, err := decodeFrame(raw)
		if err != nil {
			continue
		}
		out = append(out, f.payload...)
	}
	return out
}

func (d *driver) writeDatagram(addr net.Addr, raw []byte) {
	if d.shouldDropForTesting() {
		d.statsMu.Lock()
		d.stats.ConditionerDrops++
		d.statsMu.Unlock()
		return
	}
	if err := d.endpoint.send(addr, raw); err != nil {
		d.fail(err)
	}
}

func (d *driver) processInboundDrain(now time.Time) {
	for {
		// The read deadline comes from the wall clock, not from now: a
		// deadline already past fails the read before the socket is checked.
		data, from, ok, err := d.endpoint.recv(time.Now().Add(100 * time.Microsecond))
		if err != nil {
			if err == ErrDatagramTooLarge {
				d.statsMu.Lock()
				d.stats.OversizedDrops++
				d.statsMu.Unlock()
				d.logger.Warn().Stringer("addr", from).Msg("dropping oversized datagram")
				continue
			}
			d.fail(err)
			return
		}
		if !ok {
			return
		}
		if d.shouldDropForTesting() {
			d.statsMu.Lock()
			d.stats.ConditionerDrops++
			d.statsMu.Unlock()
			continue
		}
		d.receiveOne(from, data, now)
	}
}

func (d *driver) receiveOne(from net.Addr, data []byte, now time.Time) {
	conn, existed := d.table.lookup(from)
	if !existed {
		var ok bool
		conn, _, ok = d.table.getOrCreate(from, now)
		if !ok {
			d.events.push(Event{Type: EventError, Addr: from, Err: ErrConnectionLimitReached})
			return
		}
	}

	delivered, err := d.proc.handleInbound(conn, data, now)
	if err != nil {
		switch err {
		case ErrProtocolVersionMismatch, ErrMalformedHeader:
			d.events.push(Event{Type: EventError, Addr: from, Err: err})
		default:
			d.statsMu.Lock()
			d.stats.MalformedDrops++
			d.statsMu.Unlock()
			d.logger.Debug().Err(err).Stringer("addr", from).Msg("dropping malformed datagram")
		}
		return
	}

	conn.hasReceived = true
	d.maybeFireConnect(conn)

	for _, pkt := range delivered {
		d.events.push(Event{Type: EventPacket, Addr: from, Packet: pkt})
	}

	d.flushStatsFrom(conn)
}

func (d *driver) maybeFireConnect(conn *VirtualConnection) {
	if conn.state == connConnecting && conn.hasSent && conn.hasReceived {
		conn.state = connConnected
		d.events.push(Event{Type: EventConnect, Addr: conn.Addr})
	}
}

func (d *driver) flushStatsFrom(conn *VirtualConnection) {
	d.statsMu.Lock()
	d.stats.DuplicateDrops += conn.duplicateDrops
	d.stats.StaleDrops += conn.staleDrops
	d.stats.ReassemblyDrops += conn.reassemblyDrops
	d.stats.OrderOverflows += conn.orderOverflows
	d.statsMu.Unlock()
	conn.duplicateDrops = 0
	conn.staleDrops = 0
	conn.reassemblyDrops = 0
	conn.orderOverflows = 0
}

func (d *driver) tickConnection(c *VirtualConnection, now time.Time) {
	for _, raw := range d.proc.checkResends(c, now) {
		d.writeDatagram(c.Addr, raw)
	}
	if hb := d.proc.checkHeartbeat(c, now); hb != nil {
		d.writeDatagram(c.Addr, hb)
	}
	dropped := c.fragments.reapStale(now)
	if dropped > 0 {
		c.reassemblyDrops += uint64(dropped)
		d.logger.Debug().Int("dropped", dropped).Stringer("addr", c.Addr).Msg("reassembly timeout")
	}
	d.resendGathered(c, now)
	d.flushStatsFrom(c)
}

// fail marks the driver fatally broken: it records err wrapped in
// ErrDriverFatal, logs it at Error and closes `closed`, so RunWithTick
// returns the error and Send returns ErrDriverClosed. The event queue is
// not closed: Recv keeps waiting until its own stop channel fires.
func (d *driver) fail(err error) {
	d.closeOnce.Do(func() {
		d.fatalErr = fmt.Errorf("%w: %w", ErrDriverFatal, err)
		d.logger.Error().Err(err).Msg("driver fatal error")
		close(d.closed)
	})
}

func (d *driver) err() error {
	select {
	case <-d.closed:
		return d.fatalErr
	default:
		return nil
	}
}

func (d *driver) close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	return d.endpoint.close()
}

func (d *driver) connectionCount() int {
	return d.table.count()
}

func (d *driver) snapshotStats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}
