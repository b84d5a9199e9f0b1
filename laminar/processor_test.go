package laminar

import (
	"bytes"
	"testing"
	"time"
)

// deliver round-trips raws produced by the sender's connection through the
// receiver's connection, as if the endpoint handed them straight over.
func deliver(t *testing.T, p *processor, receiver *VirtualConnection, raws [][]byte, now time.Time) []ReceivedPacket {
	t.Helper()
	var all []ReceivedPacket
	for _, raw := range raws {
		got, err := p.handleInbound(receiver, raw, now)
		if err != nil {
			t.Fatalf("handleInbound: %v", err)
		}
		all = append(all, got...)
	}
	return all
}

func TestProcessorUnreliableRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	raws, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("hi"), Guarantee: Unreliable}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}
	delivered := deliver(t, p, receiver, raws, now)
	if len(delivered) != 1 || !bytes.Equal(delivered[0].Payload, []byte("hi")) {
		t.Fatalf("got %v", delivered)
	}
}

func TestProcessorReliableUnorderedAcksAndSamplesRTT(t *testing.T) {
	cfg := DefaultConfig()
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	raws, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("rel"), Guarantee: ReliableUnordered}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}
	if len(sender.sentBuffer) != 1 {
		t.Fatalf("expected 1 in-flight packet, got %d", len(sender.sentBuffer))
	}

	delivered := deliver(t, p, receiver, raws, now)
	if len(delivered) != 1 {
		t.Fatalf("expected delivery, got %v", delivered)
	}

	// Receiver acks back; sender should clear sentBuffer and sample RTT.
	ackTime := now.Add(20 * time.Millisecond)
	ackRaw := p.checkHeartbeat(receiver, ackTime) // heartbeat carries ack/ackBits
	if ackRaw == nil {
		t.Fatal("expected a heartbeat to be due immediately on a fresh connection")
	}
	if _, err := p.handleInbound(sender, ackRaw, ackTime); err != nil {
		t.Fatalf("handleInbound ack: %v", err)
	}
	if len(sender.sentBuffer) != 0 {
		t.Error("expected sentBuffer entry to be cleared after ack")
	}
	if sender.rttEstimate <= 0 {
		t.Error("expected a positive RTT sample after ack")
	}
}

func TestProcessorDeduplicatesReliableRetransmit(t *testing.T) {
	cfg := DefaultConfig()
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	raws, _ := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("dup"), Guarantee: ReliableUnordered}, now)

	first := deliver(t, p, receiver, raws, now)
	if len(first) != 1 {
		t.Fatalf("expected first delivery, got %v", first)
	}
	second := deliver(t, p, receiver, raws, now.Add(time.Millisecond))
	if len(second) != 0 {
		t.Errorf("expected retransmit duplicate to be dropped, got %v", second)
	}
	if receiver.duplicateDrops != 1 {
		t.Errorf("expected duplicateDrops counter to increment, got %d", receiver.duplicateDrops)
	}
}

func TestProcessorReliableSequencedNewestWins(t *testing.T) {
	cfg := DefaultConfig()
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	var allDelivered []ReceivedPacket
	for i, payload := range []string{"first", "second", "third"} {
		raws, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte(payload), Guarantee: ReliableSequenced}, now)
		if err != nil {
			t.Fatalf("encodeOutgoing %d: %v", i, err)
		}
		allDelivered = append(allDelivered, deliver(t, p, receiver, raws, now)...)
	}
	// Delivered in send order, each arranging id is newer than the last, so
	// the sequencer accepts all three and the newest payload comes last.
	if len(allDelivered) != 3 {
		t.Fatalf("expected all three delivered in order, got %v", allDelivered)
	}
	if string(allDelivered[2].Payload) != "third" {
		t.Errorf("expected newest payload last, got %q", allDelivered[2].Payload)
	}
}

func TestProcessorReliableOrderedBuffersOutOfOrderFragments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FragmentSize = 4
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	raws, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("fragmentedpayload"), Guarantee: ReliableOrdered}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}
	if len(raws) < 2 {
		t.Fatalf("expected payload to be fragmented, got %d datagrams", len(raws))
	}

	// Deliver fragments in reverse order; nothing should be delivered until
	// the first fragment (which carries the arranging header) arrives.
	var delivered []ReceivedPacket
	for i := len(raws) - 1; i >= 0; i-- {
		got, err := p.handleInbound(receiver, raws[i], now)
		if err != nil {
			t.Fatalf("handleInbound: %v", err)
		}
		delivered = append(delivered, got...)
	}
	if len(delivered) != 1 || string(delivered[0].Payload) != "fragmentedpayload" {
		t.Fatalf("expected full reassembled payload once all fragments arrived, got %v", delivered)
	}
}

func TestProcessorResendsAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTOMin = 5 * time.Millisecond
	cfg.RTOMax = 10 * time.Millisecond
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)

	_, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("resend-me"), Guarantee: ReliableUnordered}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}

	if out := p.checkResends(sender, now); out != nil {
		t.Error("expected no resend before the timeout elapses")
	}
	out := p.checkResends(sender, now.Add(50*time.Millisecond))
	if out == nil {
		t.Fatal("expected a resend once the timeout elapses")
	}
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTOMin = time.Millisecond
	cfg.RTOMax = time.Millisecond
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)

	p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("give-up"), Guarantee: ReliableUnordered}, now)

	t2 := now
	for i := 0; i <= maxResendRetries; i++ {
		t2 = t2.Add(10 * time.Millisecond)
		p.checkResends(sender, t2)
	}
	if len(sender.sentBuffer) != 0 {
		t.Error("expected entry to be evicted from sentBuffer after max retries")
	}
	if len(sender.droppedReliable) != 1 {
		t.Errorf("expected 1 gathered dropped packet, got %d", len(sender.droppedReliable))
	}
}

func TestProcessorResendUsesFreshSequenceNumber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTOMin = 5 * time.Millisecond
	cfg.RTOMax = 10 * time.Millisecond
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)

	_, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("resend-me"), Guarantee: ReliableUnordered}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}
	var originalSeq uint16
	for seq := range sender.sentBuffer {
		originalSeq = seq
	}

	out := p.checkResends(sender, now.Add(50*time.Millisecond))
	if out == nil {
		t.Fatal("expected a resend once the timeout elapses")
	}
	if len(sender.sentBuffer) != 1 {
		t.Fatalf("expected exactly one in-flight entry after resend, got %d", len(sender.sentBuffer))
	}
	var newSeq uint16
	for seq := range sender.sentBuffer {
		newSeq = seq
	}
	if newSeq == originalSeq {
		t.Errorf("expected resend to be re-keyed under a new sequence number, kept %d", originalSeq)
	}
	if _, stillThere := sender.sentBuffer[originalSeq]; stillThere {
		t.Errorf("expected original sequence %d to be dropped from sentBuffer after resend", originalSeq)
	}
}

// TestProcessorResendSurvivesSlidingAckWindow reproduces the scenario a
// resend under the original sequence number loses: other reliable sends
// advance local_seq far enough, while a stuck packet awaits its resend, that
// the peer's 32-wide received_bitfield window would have already moved past
// the stale seq by the time a stale-keyed resend arrived. Resending under a
// fresh seq instead keeps the packet within the window no matter how many
// other sends interleave.
func TestProcessorResendSurvivesSlidingAckWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTOMin = 5 * time.Millisecond
	cfg.RTOMax = 10 * time.Millisecond
	p := newProcessor(cfg)
	now := time.Now()
	sender := newVirtualConnection(testAddr(1), cfg, now)
	receiver := newVirtualConnection(testAddr(2), cfg, now)

	_, err := p.encodeOutgoing(sender, OutPacket{Addr: testAddr(2), Payload: []byte("stuck"), Guarantee: ReliableUnordered}, now)
	if err != nil {
		t.Fatalf("encodeOutgoing: %v", err)
	}

	// Advance local_seq on the sender well past the 32-wide ack window
	// while the stuck packet waits, as other sends interleaving with a
	// stalled resend would.
	for i := 0; i < 40; i++ {
		sender.nextSeq()
	}

	raws := p.checkResends(sender, now.Add(50*time.Millisecond))
	if raws == nil {
		t.Fatal("expected a resend once the timeout elapses")
	}

	delivered := deliver(t, p, receiver, raws, now.Add(51*time.Millisecond))
	if len(delivered) != 1 || string(delivered[0].Payload) != "stuck" {
		t.Fatalf("expected the resent packet to still be delivered despite the sliding window, got %v", delivered)
	}
}

func TestProcessorHeartbeatRespectsCongestionMode(t *testing.T) {
	cfg := DefaultConfig()
	p := newProcessor(cfg)
	now := time.Now()
	c := newVirtualConnection(testAddr(1), cfg, now)
	c.lastSent = now

	if hb := p.checkHeartbeat(c, now.Add(cfg.HeartbeatGood/2)); hb != nil {
		t.Error("expected no heartbeat before the Good-mode interval elapses")
	}
	if hb := p.checkHeartbeat(c, now.Add(cfg.HeartbeatGood*2)); hb == nil {
		t.Error("expected a heartbeat once the Good-mode interval elapses")
	}
}
