package transport

import (
	"bytes"
	"math/rand"
	"net/netip"
	"testing"
	"time"
)

func TestManagerMTURestriction(t *testing.T) {
	x := newPipeTest(t)
	c, sc := x.connect()
	x.client.RestrictMTU(600)
	if v := x.client.MTURestriction(); v != 600 {
		t.Fatalf("restriction: %d", v)
	}
	mark := len(x.clientOut)
	data := make([]byte, 16384)
	rand.New(rand.NewSource(9)).Read(data)
	if _, err := c.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got bytes.Buffer
	buf := make([]byte, 4096)
	for i := 0; i < 600 && got.Len() < len(data); i++ {
		x.advance(100 * time.Millisecond)
		x.readAll(sc, &got, buf)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("stream corrupted: got %d bytes, want %d", got.Len(), len(data))
	}
	for _, b := range x.clientOut[mark:] {
		if len(b) > 600 {
			t.Fatalf("datagram of %d bytes exceeds restriction", len(b))
		}
	}
}

func TestManagerMTURestrictionFloor(t *testing.T) {
	m := NewManager(nil, func(netip.AddrPort, []byte) error {
		return nil
	})
	m.RestrictMTU(10)
	if v := m.MTURestriction(); v != MinPacketSize {
		t.Fatalf("restriction: %d", v)
	}
}

func TestManagerUnknownPacket(t *testing.T) {
	m, out, addr, now := newSinkManager(t)
	data := &packet{
		typ:       packetData,
		connID:    0x99,
		timestamp: timeMicro(now),
		seq:       500,
		payload:   []byte("x"),
	}
	m.Recv(encodePacketBytes(t, data), addr, now)
	if len(*out) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(*out))
	}
	var rst packet
	if _, err := rst.decode((*out)[0]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rst.typ != packetReset || rst.connID != 0x99 || rst.ack != 500 {
		t.Fatalf("reset: %+v", rst)
	}
	// The same offender gets a single answer.
	m.Recv(encodePacketBytes(t, data), addr, now)
	if len(*out) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(*out))
	}
	data.seq = 501
	m.Recv(encodePacketBytes(t, data), addr, now)
	if len(*out) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(*out))
	}
	// An unroutable reset is never answered, to avoid loops.
	m.Recv(encodePacketBytes(t, &rst), addr, now)
	if len(*out) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(*out))
	}
}

func TestManagerAccept(t *testing.T) {
	m, out, addr, now := newSinkManager(t)
	syn := &packet{
		typ:        packetSyn,
		connID:     0x500,
		timestamp:  timeMicro(now),
		windowSize: 1 << 20,
		seq:        777,
	}
	m.Recv(encodePacketBytes(t, syn), addr, now)
	c := acceptedConn(t, m)
	if id := c.ConnectionID(); id != 0x501 {
		t.Fatalf("connection id: %#x", id)
	}
	if c.RemoteAddr() != addr {
		t.Fatalf("remote addr: %v", c.RemoteAddr())
	}
	if n := m.NumSockets(); n != 1 {
		t.Fatalf("sockets: %d", n)
	}
	var ack packet
	if _, err := ack.decode((*out)[0]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.typ != packetState || ack.connID != 0x500 || ack.ack != 777 {
		t.Fatalf("handshake ack: %+v", ack)
	}
	// A retransmitted syn is acked again, not accepted again.
	m.Recv(encodePacketBytes(t, syn), addr, now)
	if n := m.NumSockets(); n != 1 {
		t.Fatalf("sockets after duplicate syn: %d", n)
	}
	for _, e := range m.Events(nil) {
		if e.Type == EventAccepted {
			t.Fatal("duplicate accept")
		}
	}
	if len(*out) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(*out))
	}
}

func TestManagerPoolLimit(t *testing.T) {
	config := NewConfig()
	config.Rand = &stubRand{}
	config.PoolMemoryLimit = 64
	m := NewManager(config, func(netip.AddrPort, []byte) error {
		return nil
	})
	addr := netip.MustParseAddrPort("10.0.0.3:6881")
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := m.Connect(addr, now); err == nil {
		t.Fatal("expect error")
	}
	if n := m.NumSockets(); n != 0 {
		t.Fatalf("sockets: %d", n)
	}
}

func newSinkManager(t *testing.T) (*Manager, *[][]byte, netip.AddrPort, time.Time) {
	t.Helper()
	config := NewConfig()
	config.Rand = &stubRand{}
	out := &[][]byte{}
	m := NewManager(config, func(addr netip.AddrPort, b []byte) error {
		*out = append(*out, append([]byte(nil), b...))
		return nil
	})
	addr := netip.MustParseAddrPort("10.0.0.7:6881")
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return m, out, addr, now
}
