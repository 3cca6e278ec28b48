package transport

import (
	"time"
)

// Size classes for pooled buffers. The common case, one path MTU plus
// header, is served by the 1500 class without oversizing.
var bufferSizes = [...]int{128, 576, 1500, 4096}

type pooledBuffer struct {
	b    []byte
	idle time.Time // when the buffer was released
}

// bufferPool manages reusable datagram buffers shared by all
// connections of a Manager. A buffer is either on a free list or owned
// by exactly one in-flight packet. The pool never frees memory on the
// acquire/release path; decay is the only operation that deallocates.
type bufferPool struct {
	free [len(bufferSizes)][]pooledBuffer

	inUse int // acquired and not yet released
	mem   int // total bytes held, free lists and in-flight

	memLimit int
	decayAge time.Duration
}

func newBufferPool(memLimit int, decayAge time.Duration) *bufferPool {
	return &bufferPool{
		memLimit: memLimit,
		decayAge: decayAge,
	}
}

// acquire returns a buffer of length n, reusing a pooled buffer of the
// matching size class when one is free. It fails when a fresh
// allocation would exceed the pool memory limit.
func (s *bufferPool) acquire(n int) ([]byte, error) {
	c := s.sizeClass(n)
	size := n
	if c >= 0 {
		size = bufferSizes[c]
		if l := len(s.free[c]); l > 0 {
			b := s.free[c][l-1].b
			s.free[c][l-1] = pooledBuffer{}
			s.free[c] = s.free[c][:l-1]
			s.inUse++
			return b[:n], nil
		}
	}
	if s.memLimit > 0 && s.mem+size > s.memLimit {
		return nil, errPoolLimit
	}
	s.mem += size
	s.inUse++
	return make([]byte, size)[:n], nil
}

// release returns buffer ownership to the pool. The buffer must have
// come from acquire and must not be used afterwards.
func (s *bufferPool) release(b []byte, now time.Time) {
	if cap(b) == 0 {
		// Empty payloads are never pool backed.
		return
	}
	s.inUse--
	c := s.sizeClass(cap(b))
	if c < 0 || cap(b) != bufferSizes[c] {
		// Oversized buffers are not retained.
		s.mem -= cap(b)
		return
	}
	s.free[c] = append(s.free[c], pooledBuffer{b: b[:cap(b)], idle: now})
}

// decay frees pooled buffers idle beyond the age threshold. Free lists
// are kept in release order so the scan stops at the first young entry.
func (s *bufferPool) decay(now time.Time) {
	for c := range s.free {
		i := 0
		for i < len(s.free[c]) && now.Sub(s.free[c][i].idle) >= s.decayAge {
			s.mem -= bufferSizes[c]
			i++
		}
		if i > 0 {
			n := copy(s.free[c], s.free[c][i:])
			for j := n; j < len(s.free[c]); j++ {
				s.free[c][j] = pooledBuffer{}
			}
			s.free[c] = s.free[c][:n]
		}
	}
}

// outstanding returns the number of acquired buffers not yet released.
func (s *bufferPool) outstanding() int {
	return s.inUse
}

func (s *bufferPool) sizeClass(n int) int {
	for c, size := range bufferSizes {
		if n <= size {
			return c
		}
	}
	return -1
}

func (s *bufferPool) log(b []byte) []byte {
	b = appendField(b, "pool_in_use", s.inUse)
	b = appendField(b, "pool_mem", s.mem)
	return b
}
