package laminar

import (
	"encoding/binary"
	"time"
)

// processor.go implements the outgoing and incoming packet paths:
// stream/arranging-id assignment, sequence assignment and
// sent_buffer recording, ack-bitfield maintenance, RTT sampling, fragment
// routing, arranging dispatch, the resend engine and heartbeat cadence.
// The outgoing and incoming paths below run against a cooperative,
// single-threaded Driver (see driver.go) rather than a channel-actor model.

// processor holds no state of its own; every method operates on the
// VirtualConnection passed in.
type processor struct {
	cfg Config
}

func newProcessor(cfg Config) *processor {
	return &processor{cfg: cfg}
}

// --- outgoing path ---------------------------------------------------

// encodeOutgoing turns one application OutPacket into the raw datagram(s)
// to hand to the endpoint, recording sent_buffer state for reliable
// guarantees. Fragmented messages return multiple datagrams sharing one
// fragment id.
func (p *processor) encodeOutgoing(conn *VirtualConnection, out OutPacket, now time.Time) ([][]byte, error) {
	if out.Guarantee.reliable() && conn.sentBufferFull() {
		return nil, ErrWouldBlock
	}

	chunks, err := splitPayload(out.Payload, p.cfg.FragmentSize, p.cfg.MaxFragments)
	if err != nil {
		return nil, err
	}

	var arr arrangingHeader
	hasArr := out.Guarantee.arranged()
	if hasArr {
		key := arrangingKey{streamID: out.StreamID, ordered: !out.Guarantee.sequencingFamily()}
		arr = arrangingHeader{arrangingID: conn.arranging.nextArrangingID(key), streamID: out.StreamID}
	}

	fragmented := len(chunks) > 1
	var fragID uint16
	if fragmented {
		fragID = conn.nextFragID()
	}

	raws := make([][]byte, len(chunks))

	if out.Guarantee.reliable() {
		seq := conn.nextSeq()
		first := p.buildFrame(conn, out.Guarantee, seq, arr, hasArr, fragmented, fragID, 0, uint8(len(chunks)), chunks[0], true)
		raws[0] = encodeFrame(first)

		for i := 1; i < len(chunks); i++ {
			cont := wireFrame{
				std:     standardHeader{version: ProtocolVersion, ptype: typeFragmentContinuation, guarantee: out.Guarantee},
				frag:    fragmentHeader{fragmentID: fragID, index: uint8(i), total: uint8(len(chunks))},
				hasFrag: true,
				payload: chunks[i],
			}
			raws[i] = encodeFrame(cont)
		}

		conn.recordSent(seq, &sentEntry{
			sendTime:    now,
			payload:     joinRaw(raws),
			guarantee:   out.Guarantee,
			streamID:    out.StreamID,
			arrangingID: arr.arrangingID,
			hasArr:      hasArr,
		}, now)
		return raws, nil
	}

	// Unreliable guarantees carry no AckedHeader and are never retransmitted.
	first := p.buildFrame(conn, out.Guarantee, 0, arr, hasArr, fragmented, fragID, 0, uint8(len(chunks)), chunks[0], false)
	raws[0] = encodeFrame(first)
	for i := 1; i < len(chunks); i++ {
		cont := wireFrame{
			std:     standardHeader{version: ProtocolVersion, ptype: typeFragmentContinuation, guarantee: out.Guarantee},
			frag:    fragmentHeader{fragmentID: fragID, index: uint8(i), total: uint8(len(chunks))},
			hasFrag: true,
			payload: chunks[i],
		}
		raws[i] = encodeFrame(cont)
	}
	conn.lastSent = now
	return raws, nil
}

func joinRaw(raws [][]byte) []byte {
	// Concatenation is only ever re-split by splitRaw, which recovers the
	// original per-datagram lengths from the prefixes themselves; storing
	// the joined bytes keeps sentEntry a single []byte like the rest of the
	// package's buffers.
	size := 0
	for _, r := range raws {
		size += 2 + len(r) // 2-byte length prefix per datagram
	}
	buf := make([]byte, 0, size)
	var lenBuf [2]byte
	for _, r := range raws {
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(r)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, r...)
	}
	return buf
}

func splitRaw(joined []byte) [][]byte {
	var out [][]byte
	off := 0
	for off < len(joined) {
		n := int(binary.LittleEndian.Uint16(joined[off : off+2]))
		off += 2
		out = append(out, joined[off:off+n])
		off += n
	}
	return out
}

func (p *processor) buildFrame(conn *VirtualConnection, g DeliveryGuarantee, seq uint16, arr arrangingHeader, hasArr bool, fragmented bool, fragID uint16, index, total uint8, payload []byte, reliable bool) wireFrame {
	ptype := typeData
	if fragmented {
		ptype = typeFragmentFirst
	}
	f := wireFrame{
		std:     standardHeader{version: ProtocolVersion, ptype: ptype, guarantee: g},
		arr:     arr,
		hasArr:  hasArr,
		payload: payload,
	}
	if reliable {
		f.acked = ackedHeader{seq: seq, ack: conn.remoteSeq, ackBits: conn.receivedBitfield}
		f.hasAcked = true
	}
	if fragmented {
		f.frag = fragmentHeader{fragmentID: fragID, index: index, total: total}
		f.hasFrag = true
	}
	return f
}

// --- resend engine -----------------------------------------------------

// checkResends retransmits any sent_buffer entry older than the current
// resend timeout. Each retransmission goes out under a brand new outgoing
// sequence number — never the stale one — since resending under the
// original seq risks the peer's 32-wide received_bitfield window moving
// past it before the retransmission arrives, which would make
// updateReceivedTracking's too-old branch drop it on arrival and lose the
// payload for good. The sent_buffer entry is re-keyed to match.
// maxResendRetries bounds how many times checkResends retransmits a single
// sent_buffer entry; past it the entry leaves sent_buffer for the
// connection's droppedReliable list, which the driver re-submits as a
// fresh send.
const maxResendRetries = 12

func (p *processor) checkResends(conn *VirtualConnection, now time.Time) [][]byte {
	timeout := conn.resendTimeout()

	type due struct {
		oldSeq uint16
		entry  *sentEntry
	}
	var toResend []due
	var toDrop []uint16
	for seq, e := range conn.sentBuffer {
		if now.Sub(e.sendTime) < timeout {
			continue
		}
		if e.retries >= maxResendRetries {
			toDrop = append(toDrop, seq)
			conn.droppedReliable = append(conn.droppedReliable, e)
			continue
		}
		toResend = append(toResend, due{oldSeq: seq, entry: e})
	}
	for _, seq := range toDrop {
		delete(conn.sentBuffer, seq)
	}

	var out [][]byte
	for _, d := range toResend {
		delete(conn.sentBuffer, d.oldSeq)
		newSeq := conn.nextSeq()
		e := d.entry
		e.sendTime = now
		e.retries++
		raws := splitRaw(e.payload)
		restampSeq(raws[0], newSeq)
		restampAck(raws[0], conn.remoteSeq, conn.receivedBitfield)
		conn.sentBuffer[newSeq] = e
		out = append(out, raws...)
	}
	return out
}

// restampSeq overwrites the seq field of an already-encoded reliable
// datagram in place, for resending it under a new outgoing sequence number.
func restampSeq(raw []byte, seq uint16) {
	if len(raw) < standardHeaderSize+2 {
		return
	}
	binary.LittleEndian.PutUint16(raw[standardHeaderSize:standardHeaderSize+2], seq)
}

// restampAck overwrites the ack/ackBits fields of an already-encoded
// datagram in place. Both fields sit at fixed offsets immediately after
// the StandardHeader for every frame that reaches sent_buffer, since only
// reliable frames (always carrying an AckedHeader right after the
// StandardHeader) are ever stored there.
func restampAck(raw []byte, ack uint16, ackBits uint32) {
	if len(raw) < standardHeaderSize+ackedHeaderSize {
		return
	}
	binary.LittleEndian.PutUint16(raw[standardHeaderSize+2:standardHeaderSize+4], ack)
	binary.LittleEndian.PutUint32(raw[standardHeaderSize+4:standardHeaderSize+8], ackBits)
}

// --- heartbeat ----------------------------------------------------------

// checkHeartbeat returns a heartbeat datagram if the connection has been
// silent outbound for longer than its current congestion-mode heartbeat
// interval.
func (p *processor) checkHeartbeat(conn *VirtualConnection, now time.Time) []byte {
	if now.Sub(conn.lastSent) < conn.heartbeatInterval() {
		return nil
	}
	seq := conn.nextSeq()
	f := wireFrame{
		std:      standardHeader{version: ProtocolVersion, ptype: typeHeartbeat, guarantee: Unreliable},
		acked:    ackedHeader{seq: seq, ack: conn.remoteSeq, ackBits: conn.receivedBitfield},
		hasAcked: true,
	}
	conn.lastSent = now
	return encodeFrame(f)
}

// --- incoming path -------------------------------------------------------

// handleInbound decodes one datagram against conn, updating ack/RTT/
// reassembly/arranging state, and returns any application payloads now
// ready for delivery.
func (p *processor) handleInbound(conn *VirtualConnection, data []byte, now time.Time) ([]ReceivedPacket, error) {
	f, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}

	conn.lastHeard = now

	if f.hasAcked {
		if !p.updateReceivedTracking(conn, f.acked.seq) {
			conn.staleDrops++
			return nil, nil
		}
		p.ackSentEntries(conn, f.acked.ack, f.acked.ackBits, now)

		if f.std.ptype != typeHeartbeat && f.std.guarantee.reliable() {
			if conn.isDuplicate(f.acked.seq, now) {
				conn.duplicateDrops++
				return nil, nil
			}
		}
	}

	if f.std.ptype == typeHeartbeat {
		return nil, nil
	}

	var payload []byte
	complete := true
	if f.hasFrag {
		payload, complete = conn.fragments.offer(f.frag.fragmentID, f.frag.index, f.frag.total, f.payload, now)
	} else {
		payload = f.payload
	}
	if !complete {
		return nil, nil
	}

	if f.hasArr {
		return p.dispatchArranged(conn, f, payload)
	}
	return []ReceivedPacket{{Addr: conn.Addr, Payload: payload, Guarantee: f.std.guarantee, StreamID: 0}}, nil
}

// dispatchArranged routes a reassembled payload through the sequencer or
// orderer for its stream.
func (p *processor) dispatchArranged(conn *VirtualConnection, f wireFrame, payload []byte) ([]ReceivedPacket, error) {
	key := arrangingKey{streamID: f.arr.streamID, ordered: !f.std.guarantee.sequencingFamily()}

	if !key.ordered {
		s := conn.arranging.sequencerFor(key)
		if !s.accept(f.arr.arrangingID) {
			return nil, nil
		}
		return []ReceivedPacket{{Addr: conn.Addr, Payload: payload, Guarantee: f.std.guarantee, StreamID: f.arr.streamID}}, nil
	}

	o := conn.arranging.ordererFor(key)
	released, overflowed := o.offer(f.arr.arrangingID, payload)
	if overflowed {
		conn.orderOverflows++
	}
	out := make([]ReceivedPacket, 0, len(released))
	for _, r := range released {
		out = append(out, ReceivedPacket{Addr: conn.Addr, Payload: r, Guarantee: f.std.guarantee, StreamID: f.arr.streamID})
	}
	return out, nil
}

// updateReceivedTracking folds an incoming sequence number into
// remote_seq/received_bitfield's 32-bit ack bitfield. It reports false for
// a sequence too old to fit the window, which the caller drops as stale.
func (p *processor) updateReceivedTracking(conn *VirtualConnection, seq uint16) bool {
	if !conn.haveRemoteSeq {
		conn.remoteSeq = seq
		conn.haveRemoteSeq = true
		return true
	}
	diff := seqDiff(seq, conn.remoteSeq)
	switch {
	case diff > 0:
		shift := uint(diff)
		if shift >= 32 {
			conn.receivedBitfield = 0
		} else {
			conn.receivedBitfield = (conn.receivedBitfield << shift) | (1 << (shift - 1))
		}
		conn.remoteSeq = seq
	case diff < 0:
		idx := uint(-diff) - 1
		if idx >= 32 {
			return false
		}
		conn.receivedBitfield |= 1 << idx
	default:
		// Re-delivery of the current remote_seq; bitfield already covers it.
	}
	return true
}

// ackSentEntries removes sent_buffer entries confirmed by (ack, ackBits),
// sampling RTT for each; sequences no longer in sent_buffer are ignored.
func (p *processor) ackSentEntries(conn *VirtualConnection, ack uint16, ackBits uint32, now time.Time) {
	p.ackOne(conn, ack, now)
	for i := uint(0); i < 32; i++ {
		if ackBits&(1<<i) != 0 {
			p.ackOne(conn, ack-uint16(i+1), now)
		}
	}
}

func (p *processor) ackOne(conn *VirtualConnection, seq uint16, now time.Time) {
	e, ok := conn.sentBuffer[seq]
	if !ok {
		return
	}
	delete(conn.sentBuffer, seq)
	conn.updateRTT(now.Sub(e.sendTime), now)
}
