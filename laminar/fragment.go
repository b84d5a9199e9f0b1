package laminar

import "time"

// fragment.go implements outgoing split and incoming reassembly of
// oversized messages: a monotonic per-connection fragment id, fixed-size
// chunks, bounded to ≤255 fragments per message, with only the first
// fragment carrying the full header suite.

// splitPayload divides payload into chunks of at most fragmentSize bytes,
// returning an error if more than maxFragments would be needed.
func splitPayload(payload []byte, fragmentSize, maxFragments int) ([][]byte, error) {
	if len(payload) <= fragmentSize {
		return [][]byte{payload}, nil
	}
	n := (len(payload) + fragmentSize - 1) / fragmentSize
	if n > maxFragments {
		return nil, ErrPacketTooLarge
	}
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks, nil
}

// partialMessage accumulates fragments of one oversized message as they
// arrive, possibly out of order.
type partialMessage struct {
	total     uint8
	received  uint8
	chunks    [][]byte
	createdAt time.Time
}

func newPartialMessage(total uint8, now time.Time) *partialMessage {
	return &partialMessage{
		total:     total,
		chunks:    make([][]byte, total),
		createdAt: now,
	}
}

// add stores one fragment's payload. It returns the reassembled payload
// once every index 0..total-1 has been seen.
func (p *partialMessage) add(index uint8, payload []byte) (complete []byte, done bool) {
	if int(index) >= len(p.chunks) {
		return nil, false
	}
	if p.chunks[index] == nil {
		p.chunks[index] = payload
		p.received++
	}
	if p.received < p.total {
		return nil, false
	}
	size := 0
	for _, c := range p.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out, true
}

// fragmentReassembly keys in-progress partials by fragment id, with a
// per-entry timeout to drop stuck partials (default 5x rto_max).
type fragmentReassembly struct {
	partials map[uint16]*partialMessage
	timeout  time.Duration
}

func newFragmentReassembly(timeout time.Duration) *fragmentReassembly {
	return &fragmentReassembly{
		partials: make(map[uint16]*partialMessage),
		timeout:  timeout,
	}
}

// offer routes one fragment into the reassembly map, returning the
// reassembled payload when complete.
func (fr *fragmentReassembly) offer(fragID uint16, index, total uint8, payload []byte, now time.Time) (complete []byte, done bool) {
	pm, ok := fr.partials[fragID]
	if !ok {
		pm = newPartialMessage(total, now)
		fr.partials[fragID] = pm
	}
	complete, done = pm.add(index, payload)
	if done {
		delete(fr.partials, fragID)
	}
	return complete, done
}

// reapStale drops partial messages older than the reassembly timeout,
// returning the count dropped, for the local-and-silent reassembly-failure
// counter.
func (fr *fragmentReassembly) reapStale(now time.Time) int {
	dropped := 0
	for id, pm := range fr.partials {
		if now.Sub(pm.createdAt) > fr.timeout {
			delete(fr.partials, id)
			dropped++
		}
	}
	return dropped
}
