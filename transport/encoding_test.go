package transport

import (
	"bytes"
	"testing"
)

func TestCodecDecode(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	x := codecTest{t: t, c: newCodec(b)}
	x.assertOffset(0)
	x.assertLen(len(b))
	var (
		v   []byte
		v8  byte
		v16 uint16
		v32 uint32
	)
	if !x.c.readByte(&v8) || v8 != 1 {
		t.Fatalf("read byte: 0x%x", v8)
	}
	x.assertOffset(1)
	x.assertLen(len(b) - 1)

	if !x.c.readUint16(&v16) || v16 != 0x0203 {
		t.Fatalf("read uint16: 0x%x", v16)
	}
	x.assertOffset(3)

	if !x.c.readUint32(&v32) || v32 != 0x04050607 {
		t.Fatalf("read uint32: 0x%x", v32)
	}
	x.assertOffset(7)

	if !x.c.read(&v, 3) || !bytes.Equal(v, b[7:10]) {
		t.Fatalf("read: %x, actual: %x", v, b[7:10])
	}
	x.assertOffset(10)
	x.assertLen(0)

	if x.c.read(&v, 1) || x.c.readByte(&v8) || x.c.readUint16(&v16) || x.c.readUint32(&v32) {
		t.Fatal("read should fail")
	}
}

func TestCodecEncode(t *testing.T) {
	b := make([]byte, 9)
	x := codecTest{t: t, c: newCodec(b)}
	if !x.c.writeByte(1) || !x.c.writeUint16(0x0203) || !x.c.writeUint32(0x04050607) ||
		!x.c.write([]byte{8, 9}) {
		t.Fatal("write failed")
	}
	x.assertOffset(9)
	x.assertLen(0)
	expect := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !bytes.Equal(b, expect) {
		t.Fatalf("encode: expect %x, actual %x", expect, b)
	}
	if x.c.writeByte(1) || x.c.writeUint16(1) || x.c.writeUint32(1) || x.c.write([]byte{1}) {
		t.Fatal("write should fail")
	}
}

type codecTest struct {
	t *testing.T
	c codec
}

func (x *codecTest) assertOffset(n int) {
	if x.c.offset() != n {
		x.t.Helper()
		x.t.Fatalf("expect offset: %v, actual: %v", n, x.c.offset())
	}
}

func (x *codecTest) assertLen(n int) {
	if x.c.len() != n {
		x.t.Helper()
		x.t.Fatalf("expect length: %v, actual: %v", n, x.c.len())
	}
}
