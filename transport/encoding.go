package transport

import (
	"encoding/binary"
)

type encoder interface {
	encode(b []byte) (int, error)
}

type decoder interface {
	decode(b []byte) (int, error)
}

type codec struct {
	b []byte // input slice
	i int    // read/write index
}

func newCodec(b []byte) codec {
	return codec{b: b}
}

func (s *codec) write(b []byte) bool {
	n := copy(s.b[s.i:], b)
	if n < len(b) {
		return false
	}
	s.i += n
	return true
}

func (s *codec) read(b *[]byte, n int) bool {
	n += s.i
	if n > len(s.b) {
		return false
	}
	*b = s.b[s.i:n]
	s.i = n
	return true
}

func (s *codec) writeByte(b byte) bool {
	if s.i+1 > len(s.b) {
		return false
	}
	s.b[s.i] = b
	s.i++
	return true
}

func (s *codec) readByte(v *byte) bool {
	if s.i >= len(s.b) {
		return false
	}
	*v = s.b[s.i]
	s.i++
	return true
}

func (s *codec) writeUint16(v uint16) bool {
	if s.i+2 > len(s.b) {
		return false
	}
	binary.BigEndian.PutUint16(s.b[s.i:], v)
	s.i += 2
	return true
}

func (s *codec) readUint16(v *uint16) bool {
	var b []byte
	if !s.read(&b, 2) {
		return false
	}
	*v = binary.BigEndian.Uint16(b)
	return true
}

func (s *codec) writeUint32(v uint32) bool {
	if s.i+4 > len(s.b) {
		return false
	}
	binary.BigEndian.PutUint32(s.b[s.i:], v)
	s.i += 4
	return true
}

func (s *codec) readUint32(v *uint32) bool {
	var b []byte
	if !s.read(&b, 4) {
		return false
	}
	*v = binary.BigEndian.Uint32(b)
	return true
}

func (s *codec) skip(n int) bool {
	if s.i+n > len(s.b) {
		return false
	}
	s.i += n
	return true
}

// len returns number of unread bytes
func (s *codec) len() int {
	i := len(s.b) - s.i
	if i < 0 {
		return 0
	}
	return i
}

func (s *codec) offset() int {
	return s.i
}
