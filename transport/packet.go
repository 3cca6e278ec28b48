package transport

// Packet types. The type is carried in the high nibble of the first
// header byte, the version in the low nibble.
const (
	packetData  = 0
	packetFin   = 1
	packetState = 2
	packetReset = 3
	packetSyn   = 4
)

const (
	// Fixed header: type/version, extension, connection id,
	// timestamp, timestamp difference, window size, seq, ack.
	headerLen = 20

	// Selective ack is the only extension the engine emits or
	// interprets. Unknown extensions are skipped.
	extSelectiveAck = 1
)

// seqLess reports whether a precedes b in 16-bit wrapping order.
// The difference is interpreted as a signed 16-bit value so that
// comparisons spanning the wraparound boundary stay correct.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// seqDiff returns a minus b as a signed distance in wrapping order.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}

// packet is a parsed or to-be-sent uTP packet. Decoded payload and
// sack point into the receive buffer and must not be retained.
type packet struct {
	typ           uint8
	connID        uint16
	timestamp     uint32
	timestampDiff uint32
	windowSize    uint32
	seq           uint16
	ack           uint16

	sack    []byte // selective ack bitmap, nil when absent
	payload []byte
}

var _ encoder = (*packet)(nil)
var _ decoder = (*packet)(nil)

func (s *packet) encodedLen() int {
	n := headerLen + len(s.payload)
	if len(s.sack) > 0 {
		n += 2 + len(s.sack)
	}
	return n
}

func (s *packet) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ext := uint8(0)
	if len(s.sack) > 0 {
		ext = extSelectiveAck
	}
	ok := enc.writeByte(s.typ<<4|ProtocolVersion) &&
		enc.writeByte(ext) &&
		enc.writeUint16(s.connID) &&
		enc.writeUint32(s.timestamp) &&
		enc.writeUint32(s.timestampDiff) &&
		enc.writeUint32(s.windowSize) &&
		enc.writeUint16(s.seq) &&
		enc.writeUint16(s.ack)
	if !ok {
		return 0, errShortBuffer
	}
	if ext != 0 {
		if !enc.writeByte(0) || !enc.writeByte(uint8(len(s.sack))) || !enc.write(s.sack) {
			return 0, errShortBuffer
		}
	}
	if len(s.payload) > 0 {
		if !enc.write(s.payload) {
			return 0, errShortBuffer
		}
	}
	return enc.offset(), nil
}

func (s *packet) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var verType, ext uint8
	ok := dec.readByte(&verType) &&
		dec.readByte(&ext) &&
		dec.readUint16(&s.connID) &&
		dec.readUint32(&s.timestamp) &&
		dec.readUint32(&s.timestampDiff) &&
		dec.readUint32(&s.windowSize) &&
		dec.readUint16(&s.seq) &&
		dec.readUint16(&s.ack)
	if !ok {
		return 0, errInvalidPacket
	}
	if !versionSupported(verType & 0x0f) {
		return 0, errInvalidPacket
	}
	s.typ = verType >> 4
	if s.typ > packetSyn {
		return 0, errInvalidPacket
	}
	s.sack = nil
	for ext != 0 {
		cur := ext
		var length uint8
		if !dec.readByte(&ext) || !dec.readByte(&length) {
			return 0, errInvalidPacket
		}
		var data []byte
		if !dec.read(&data, int(length)) {
			return 0, errInvalidPacket
		}
		if cur == extSelectiveAck {
			s.sack = data
		}
	}
	s.payload = b[dec.offset():]
	return len(b), nil
}

func (s *packet) log(b []byte) []byte {
	b = appendField(b, "packet_type", packetTypeString(s.typ))
	b = appendField(b, "conn_id", s.connID)
	b = appendField(b, "seq", s.seq)
	b = appendField(b, "ack", s.ack)
	b = appendField(b, "wnd", s.windowSize)
	b = appendField(b, "ts_diff", s.timestampDiff)
	if len(s.sack) > 0 {
		b = appendField(b, "sack", s.sack)
	}
	if len(s.payload) > 0 {
		b = appendField(b, "length", len(s.payload))
	}
	return b
}

func packetTypeString(typ uint8) string {
	switch typ {
	case packetData:
		return "data"
	case packetFin:
		return "fin"
	case packetState:
		return "state"
	case packetReset:
		return "reset"
	case packetSyn:
		return "syn"
	default:
		return "unknown"
	}
}
