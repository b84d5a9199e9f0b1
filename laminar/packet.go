package laminar

import (
	"encoding/binary"
	"fmt"
)

// packetType is the StandardHeader's packet-type tag. Together with the
// delivery-guarantee tag it fully determines which optional headers
// follow. Fragmentation is split into two tags — first fragment vs
// continuation — because only the first fragment carries the full
// Standard/Acked/Arranging header suite; without a
// distinct tag for "continuation" the receiver would need to parse a
// FragmentHeader that itself appears at a different byte offset depending
// on what it's trying to determine. This is a conservative tightening of
// the framing rule.
type packetType uint8

const (
	typeData                 packetType = 0
	typeFragmentFirst        packetType = 1
	typeFragmentContinuation packetType = 2
	typeHeartbeat            packetType = 3
)

const (
	standardHeaderSize  = 6
	ackedHeaderSize     = 10
	arrangingHeaderSize = 3
	fragmentHeaderSize  = 4
)

// standardHeader is present on every datagram.
type standardHeader struct {
	version   uint16
	ptype     packetType
	guarantee DeliveryGuarantee
}

func (h standardHeader) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.version)
	buf[2] = byte(h.ptype)
	buf[3] = byte(h.guarantee)
	buf[4] = 0
	buf[5] = 0
}

func unmarshalStandardHeader(buf []byte) (standardHeader, error) {
	if len(buf) < standardHeaderSize {
		return standardHeader{}, ErrMalformedHeader
	}
	return standardHeader{
		version:   binary.LittleEndian.Uint16(buf[0:2]),
		ptype:     packetType(buf[2]),
		guarantee: DeliveryGuarantee(buf[3]),
	}, nil
}

// ackedHeader carries reliability/ack-bitfield state. Ten bytes: 2 seq +
// 2 ack + 4 bitfield + 2 reserved, a fixed-width framing.
type ackedHeader struct {
	seq       uint16
	ack       uint16
	ackBits   uint32
}

func (h ackedHeader) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.seq)
	binary.LittleEndian.PutUint16(buf[2:4], h.ack)
	binary.LittleEndian.PutUint32(buf[4:8], h.ackBits)
	buf[8] = 0
	buf[9] = 0
}

func unmarshalAckedHeader(buf []byte) (ackedHeader, error) {
	if len(buf) < ackedHeaderSize {
		return ackedHeader{}, ErrMalformedHeader
	}
	return ackedHeader{
		seq:     binary.LittleEndian.Uint16(buf[0:2]),
		ack:     binary.LittleEndian.Uint16(buf[2:4]),
		ackBits: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// arrangingHeader carries ordering/sequencing identity.
type arrangingHeader struct {
	arrangingID uint16
	streamID    uint8
}

func (h arrangingHeader) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.arrangingID)
	buf[2] = h.streamID
}

func unmarshalArrangingHeader(buf []byte) (arrangingHeader, error) {
	if len(buf) < arrangingHeaderSize {
		return arrangingHeader{}, ErrMalformedHeader
	}
	return arrangingHeader{
		arrangingID: binary.LittleEndian.Uint16(buf[0:2]),
		streamID:    buf[2],
	}, nil
}

// fragmentHeader groups the fragments of one oversized message.
type fragmentHeader struct {
	fragmentID uint16
	index      uint8
	total      uint8
}

func (h fragmentHeader) marshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.fragmentID)
	buf[2] = h.index
	buf[3] = h.total
}

func unmarshalFragmentHeader(buf []byte) (fragmentHeader, error) {
	if len(buf) < fragmentHeaderSize {
		return fragmentHeader{}, ErrMalformedHeader
	}
	return fragmentHeader{
		fragmentID: binary.LittleEndian.Uint16(buf[0:2]),
		index:      buf[2],
		total:      buf[3],
	}, nil
}

// wireFrame is the fully-parsed, schema-resolved view of one received
// datagram, before reassembly/dedup/arranging is applied.
type wireFrame struct {
	std      standardHeader
	acked    ackedHeader
	hasAcked bool
	arr      arrangingHeader
	hasArr   bool
	frag     fragmentHeader
	hasFrag  bool
	payload  []byte
}

// hasAckedSchema reports whether type+guarantee imply an AckedHeader.
func (t packetType) hasAckedSchema(g DeliveryGuarantee) bool {
	switch t {
	case typeHeartbeat:
		return true
	case typeData, typeFragmentFirst:
		return g.reliable()
	default:
		return false
	}
}

func (t packetType) hasArrangingSchema(g DeliveryGuarantee) bool {
	switch t {
	case typeData, typeFragmentFirst:
		return g.arranged()
	default:
		return false
	}
}

func (t packetType) hasFragmentSchema() bool {
	return t == typeFragmentFirst || t == typeFragmentContinuation
}

// decodeFrame parses a raw datagram into a wireFrame, per the schema rules
// above. It returns ErrProtocolVersionMismatch or ErrMalformedHeader for
// unparseable input; the driver surfaces both as EventError.
func decodeFrame(data []byte) (wireFrame, error) {
	std, err := unmarshalStandardHeader(data)
	if err != nil {
		return wireFrame{}, err
	}
	if std.version != ProtocolVersion {
		return wireFrame{}, ErrProtocolVersionMismatch
	}

	off := standardHeaderSize
	f := wireFrame{std: std}

	if std.ptype.hasAckedSchema(std.guarantee) {
		if len(data) < off+ackedHeaderSize {
			return wireFrame{}, ErrMalformedHeader
		}
		acked, err := unmarshalAckedHeader(data[off:])
		if err != nil {
			return wireFrame{}, err
		}
		f.acked, f.hasAcked = acked, true
		off += ackedHeaderSize
	}

	if std.ptype.hasArrangingSchema(std.guarantee) {
		if len(data) < off+arrangingHeaderSize {
			return wireFrame{}, ErrMalformedHeader
		}
		arr, err := unmarshalArrangingHeader(data[off:])
		if err != nil {
			return wireFrame{}, err
		}
		f.arr, f.hasArr = arr, true
		off += arrangingHeaderSize
	}

	if std.ptype.hasFragmentSchema() {
		if len(data) < off+fragmentHeaderSize {
			return wireFrame{}, ErrMalformedHeader
		}
		frag, err := unmarshalFragmentHeader(data[off:])
		if err != nil {
			return wireFrame{}, err
		}
		f.frag, f.hasFrag = frag, true
		off += fragmentHeaderSize
	}

	if off > len(data) {
		return wireFrame{}, ErrMalformedHeader
	}
	f.payload = data[off:]
	return f, nil
}

// encodeFrame serializes a wireFrame into wire bytes.
func encodeFrame(f wireFrame) []byte {
	size := standardHeaderSize
	if f.hasAcked {
		size += ackedHeaderSize
	}
	if f.hasArr {
		size += arrangingHeaderSize
	}
	if f.hasFrag {
		size += fragmentHeaderSize
	}
	size += len(f.payload)

	buf := make([]byte, size)
	off := 0
	f.std.marshalTo(buf[off:])
	off += standardHeaderSize
	if f.hasAcked {
		f.acked.marshalTo(buf[off:])
		off += ackedHeaderSize
	}
	if f.hasArr {
		f.arr.marshalTo(buf[off:])
		off += arrangingHeaderSize
	}
	if f.hasFrag {
		f.frag.marshalTo(buf[off:])
		off += fragmentHeaderSize
	}
	copy(buf[off:], f.payload)
	return buf
}

func (f wireFrame) String() string {
	return fmt.Sprintf("wireFrame{type=%d guarantee=%s acked=%v arr=%v frag=%v payloadLen=%d}",
		f.std.ptype, f.std.guarantee, f.hasAcked, f.hasArr, f.hasFrag, len(f.payload))
}
