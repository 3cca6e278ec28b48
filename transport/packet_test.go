package transport

import (
	"bytes"
	"testing"
)

func TestPacketEncode(t *testing.T) {
	p := packet{
		typ:           packetData,
		connID:        0x1234,
		timestamp:     0x01020304,
		timestampDiff: 0x05060708,
		windowSize:    0x000a0b0c,
		seq:           0xfffe,
		ack:           0x0001,
		payload:       []byte("hello"),
	}
	b := make([]byte, p.encodedLen())
	n, err := p.encode(b)
	if err != nil {
		t.Fatal(err)
	}
	expect := []byte{
		0x01,       // data, version 1
		0x00,       // no extension
		0x12, 0x34, // connection id
		0x01, 0x02, 0x03, 0x04, // timestamp
		0x05, 0x06, 0x07, 0x08, // timestamp difference
		0x00, 0x0a, 0x0b, 0x0c, // window size
		0xff, 0xfe, // seq
		0x00, 0x01, // ack
		'h', 'e', 'l', 'l', 'o',
	}
	if !bytes.Equal(b[:n], expect) {
		t.Fatalf("encode packet:\nexpect %x\nactual %x", expect, b[:n])
	}

	var d packet
	if _, err = d.decode(b[:n]); err != nil {
		t.Fatal(err)
	}
	if d.typ != p.typ || d.connID != p.connID || d.timestamp != p.timestamp ||
		d.timestampDiff != p.timestampDiff || d.windowSize != p.windowSize ||
		d.seq != p.seq || d.ack != p.ack || !bytes.Equal(d.payload, p.payload) {
		t.Fatalf("decode packet: %+v, actual: %+v", p, d)
	}
}

func TestPacketSelectiveAck(t *testing.T) {
	p := packet{
		typ:    packetState,
		connID: 1,
		seq:    10,
		ack:    20,
		sack:   []byte{0x05, 0x00, 0x80, 0x00},
	}
	b := make([]byte, p.encodedLen())
	n, err := p.encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if b[1] != extSelectiveAck {
		t.Fatalf("expect extension %d, actual: %d", extSelectiveAck, b[1])
	}
	if b[headerLen] != 0 || b[headerLen+1] != 4 {
		t.Fatalf("bad extension block header: %x", b[headerLen:headerLen+2])
	}
	var d packet
	if _, err = d.decode(b[:n]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d.sack, p.sack) {
		t.Fatalf("expect sack %x, actual: %x", p.sack, d.sack)
	}
	if len(d.payload) != 0 {
		t.Fatalf("unexpected payload: %x", d.payload)
	}
}

func TestPacketDecodeUnknownExtension(t *testing.T) {
	p := packet{typ: packetData, connID: 1, seq: 1, ack: 1, payload: []byte("x")}
	b := make([]byte, headerLen+4+1)
	if _, err := p.encode(b); err != nil {
		t.Fatal(err)
	}
	// Splice in an unknown extension before the payload.
	b[1] = 0xab
	copy(b[headerLen:], []byte{0x00, 0x02, 0xde, 0xad, 'x'})
	var d packet
	if _, err := d.decode(b); err != nil {
		t.Fatal(err)
	}
	if d.sack != nil {
		t.Fatalf("unexpected sack: %x", d.sack)
	}
	if !bytes.Equal(d.payload, []byte("x")) {
		t.Fatalf("expect payload %q, actual: %q", "x", d.payload)
	}
}

func TestPacketDecodeError(t *testing.T) {
	var d packet
	// Short header
	if _, err := d.decode(make([]byte, headerLen-1)); err == nil {
		t.Fatal("decode should fail on short header")
	}
	// Wrong version
	b := make([]byte, headerLen)
	b[0] = packetData<<4 | 2
	if _, err := d.decode(b); err == nil {
		t.Fatal("decode should fail on unsupported version")
	}
	// Unknown type
	b[0] = 7<<4 | ProtocolVersion
	if _, err := d.decode(b); err == nil {
		t.Fatal("decode should fail on unknown packet type")
	}
	// Truncated extension
	b = make([]byte, headerLen+1)
	b[0] = packetState<<4 | ProtocolVersion
	b[1] = extSelectiveAck
	if _, err := d.decode(b); err == nil {
		t.Fatal("decode should fail on truncated extension")
	}
}

func TestSeqCompare(t *testing.T) {
	tests := []struct {
		a, b uint16
		less bool
	}{
		{0, 1, true},
		{1, 0, false},
		{1, 1, false},
		{65535, 1, true},
		{65535, 0, true},
		{1, 65535, false},
		{32767, 65535, true},
		{32768, 0, true},
		{0, 32768, true}, // antisymmetric only within half the space
	}
	for _, tt := range tests {
		if v := seqLess(tt.a, tt.b); v != tt.less {
			t.Errorf("seqLess(%d, %d) = %v, expect %v", tt.a, tt.b, v, tt.less)
		}
	}
	if d := seqDiff(1, 65535); d != 2 {
		t.Errorf("seqDiff(1, 65535) = %d, expect 2", d)
	}
	if d := seqDiff(65535, 1); d != -2 {
		t.Errorf("seqDiff(65535, 1) = %d, expect -2", d)
	}
}
