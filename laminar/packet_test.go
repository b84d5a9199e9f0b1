package laminar

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   wireFrame
	}{
		{
			name: "unreliable data, no extra headers",
			in: wireFrame{
				std:     standardHeader{version: ProtocolVersion, ptype: typeData, guarantee: Unreliable},
				payload: []byte("hello"),
			},
		},
		{
			name: "reliable unordered carries acked header only",
			in: wireFrame{
				std:      standardHeader{version: ProtocolVersion, ptype: typeData, guarantee: ReliableUnordered},
				acked:    ackedHeader{seq: 7, ack: 3, ackBits: 0xFF00FF00},
				hasAcked: true,
				payload:  []byte("world"),
			},
		},
		{
			name: "unreliable sequenced carries arranging header only",
			in: wireFrame{
				std:     standardHeader{version: ProtocolVersion, ptype: typeData, guarantee: UnreliableSequenced},
				arr:     arrangingHeader{arrangingID: 99, streamID: 4},
				hasArr:  true,
				payload: []byte("seq"),
			},
		},
		{
			name: "reliable ordered first fragment carries all three headers",
			in: wireFrame{
				std:      standardHeader{version: ProtocolVersion, ptype: typeFragmentFirst, guarantee: ReliableOrdered},
				acked:    ackedHeader{seq: 1, ack: 0, ackBits: 0},
				hasAcked: true,
				arr:      arrangingHeader{arrangingID: 0, streamID: 1},
				hasArr:   true,
				frag:     fragmentHeader{fragmentID: 42, index: 0, total: 3},
				hasFrag:  true,
				payload:  []byte("chunk0"),
			},
		},
		{
			name: "fragment continuation carries only standard and fragment headers",
			in: wireFrame{
				std:     standardHeader{version: ProtocolVersion, ptype: typeFragmentContinuation, guarantee: ReliableOrdered},
				frag:    fragmentHeader{fragmentID: 42, index: 1, total: 3},
				hasFrag: true,
				payload: []byte("chunk1"),
			},
		},
		{
			name: "heartbeat always carries acked header",
			in: wireFrame{
				std:      standardHeader{version: ProtocolVersion, ptype: typeHeartbeat, guarantee: Unreliable},
				acked:    ackedHeader{seq: 5, ack: 5, ackBits: 0xFFFFFFFF},
				hasAcked: true,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := encodeFrame(tc.in)
			got, err := decodeFrame(raw)
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			if got.std != tc.in.std {
				t.Errorf("standard header mismatch: got %+v want %+v", got.std, tc.in.std)
			}
			if got.hasAcked != tc.in.hasAcked || (got.hasAcked && got.acked != tc.in.acked) {
				t.Errorf("acked header mismatch: got %+v (%v) want %+v (%v)", got.acked, got.hasAcked, tc.in.acked, tc.in.hasAcked)
			}
			if got.hasArr != tc.in.hasArr || (got.hasArr && got.arr != tc.in.arr) {
				t.Errorf("arranging header mismatch: got %+v (%v) want %+v (%v)", got.arr, got.hasArr, tc.in.arr, tc.in.hasArr)
			}
			if got.hasFrag != tc.in.hasFrag || (got.hasFrag && got.frag != tc.in.frag) {
				t.Errorf("fragment header mismatch: got %+v (%v) want %+v (%v)", got.frag, got.hasFrag, tc.in.frag, tc.in.hasFrag)
			}
			if !bytes.Equal(got.payload, tc.in.payload) {
				t.Errorf("payload mismatch: got %q want %q", got.payload, tc.in.payload)
			}
		})
	}
}

func TestDecodeFrameRejectsVersionMismatch(t *testing.T) {
	f := wireFrame{std: standardHeader{version: ProtocolVersion + 1, ptype: typeData, guarantee: Unreliable}}
	raw := encodeFrame(f)
	_, err := decodeFrame(raw)
	if err != ErrProtocolVersionMismatch {
		t.Fatalf("got %v, want ErrProtocolVersionMismatch", err)
	}
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	_, err := decodeFrame([]byte{1, 2, 3})
	if err != ErrMalformedHeader {
		t.Fatalf("got %v, want ErrMalformedHeader", err)
	}
}

func TestDecodeFrameRejectsTruncatedAckedHeader(t *testing.T) {
	f := wireFrame{
		std:      standardHeader{version: ProtocolVersion, ptype: typeData, guarantee: ReliableUnordered},
		acked:    ackedHeader{seq: 1, ack: 2, ackBits: 3},
		hasAcked: true,
	}
	raw := encodeFrame(f)
	truncated := raw[:len(raw)-5]
	_, err := decodeFrame(truncated)
	if err != ErrMalformedHeader {
		t.Fatalf("got %v, want ErrMalformedHeader", err)
	}
}
