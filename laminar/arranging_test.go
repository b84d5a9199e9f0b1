package laminar

import "testing"

func TestSequencerNewestWins(t *testing.T) {
	var s sequencer
	if !s.accept(5) {
		t.Fatal("first id should be accepted")
	}
	if s.accept(3) {
		t.Error("older id should be rejected")
	}
	if !s.accept(6) {
		t.Error("newer id should be accepted")
	}
	if s.accept(6) {
		t.Error("duplicate id should be rejected")
	}
}

func TestOrdererGaplessDelivery(t *testing.T) {
	o := newOrderer(16)

	released, overflow := o.offer(0, []byte("a"))
	if overflow || len(released) != 1 {
		t.Fatalf("expected immediate release of id 0, got %v overflow=%v", released, overflow)
	}

	// id 2 arrives before id 1: buffered, nothing released yet.
	released, overflow = o.offer(2, []byte("c"))
	if overflow || len(released) != 0 {
		t.Fatalf("expected id 2 buffered, got %v overflow=%v", released, overflow)
	}

	// id 1 arrives, cascading release of 1 and 2.
	released, overflow = o.offer(1, []byte("b"))
	if overflow {
		t.Fatal("unexpected overflow")
	}
	if len(released) != 2 || string(released[0]) != "b" || string(released[1]) != "c" {
		t.Fatalf("expected cascade release [b c], got %v", released)
	}
}

func TestOrdererDropsDuplicatesAndStale(t *testing.T) {
	o := newOrderer(16)
	o.offer(0, []byte("a"))

	if released, _ := o.offer(0, []byte("dup")); len(released) != 0 {
		t.Errorf("duplicate of already-released id should not re-release, got %v", released)
	}
}

func TestOrdererOverflowOnSlotCollision(t *testing.T) {
	o := newOrderer(4)
	// id 0 is the first expected id and is released immediately.
	if released, _ := o.offer(0, []byte("base")); len(released) != 1 {
		t.Fatalf("expected id 0 released immediately, got %v", released)
	}
	// id 2 buffers into slot 2 (2%4), awaiting id 1.
	if _, overflow := o.offer(2, []byte("future")); overflow {
		t.Fatal("unexpected overflow buffering id 2")
	}
	// id 6 collides with id 2's slot (6%4 == 2) before id 1 drains it.
	if _, overflow := o.offer(6, []byte("collides with id 2's slot")); !overflow {
		t.Error("expected overflow when a future id collides with an occupied slot")
	}
}

func TestArrangingSystemsKeyedIndependently(t *testing.T) {
	a := newArrangingSystems(16)
	orderedKey := arrangingKey{streamID: 0, ordered: true}
	seqKey := arrangingKey{streamID: 0, ordered: false}

	if a.sequencerFor(seqKey) == nil || a.ordererFor(orderedKey) == nil {
		t.Fatal("expected lazy-initialized systems for both keys")
	}
	if a.nextArrangingID(orderedKey) != 0 || a.nextArrangingID(orderedKey) != 1 {
		t.Error("expected monotonic per-key arranging ids")
	}
	if a.nextArrangingID(seqKey) != 0 {
		t.Error("expected independent counters across keys")
	}
}
