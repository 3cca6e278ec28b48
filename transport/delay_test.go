package transport

import (
	"testing"
	"time"
)

func TestDelayHistoryBase(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	var h delayHistory
	h.clear(now)

	h.addSample(5000, now)
	if h.baseDelay() != 5000 {
		t.Fatalf("expect base 5000, actual: %d", h.baseDelay())
	}
	// Larger samples leave the base, smaller ones lower it.
	h.addSample(8000, now)
	if h.baseDelay() != 5000 {
		t.Fatalf("expect base 5000, actual: %d", h.baseDelay())
	}
	h.addSample(3000, now)
	if h.baseDelay() != 3000 {
		t.Fatalf("expect base 3000, actual: %d", h.baseDelay())
	}
	// Queuing delay is relative to base: min(recent samples - base).
	h.addSample(4000, now)
	h.addSample(4500, now)
	h.addSample(4200, now)
	if v := h.value(); v != 1000*time.Microsecond {
		t.Fatalf("expect queuing delay 1ms, actual: %v", v)
	}
}

func TestDelayHistoryRotation(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	var h delayHistory
	h.clear(now)

	h.addSample(1000, now)
	// A route change raised the floor; the old minimum must age out
	// of the multi-minute horizon.
	for i := 0; i < delayBaseLen+1; i++ {
		now = now.Add(delayBaseInterval)
		h.addSample(9000, now)
	}
	if h.baseDelay() != 9000 {
		t.Fatalf("expect base 9000 after horizon, actual: %d", h.baseDelay())
	}
}

func TestDelayHistoryShift(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	var h delayHistory
	h.clear(now)

	h.addSample(5000, now)
	h.shift(2000)
	if h.baseDelay() != 7000 {
		t.Fatalf("expect base 7000 after shift, actual: %d", h.baseDelay())
	}
}

func TestDelayHistoryWrap(t *testing.T) {
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	var h delayHistory
	h.clear(now)

	// Samples on either side of the 32-bit boundary.
	h.addSample(0xffffff00, now)
	for i := 0; i < curDelayLen; i++ {
		h.addSample(0x00000100, now)
	}
	if h.baseDelay() != 0xffffff00 {
		t.Fatalf("expect base 0xffffff00, actual: %#x", h.baseDelay())
	}
	if v := h.value(); v != 512*time.Microsecond {
		t.Fatalf("expect wrapped delta 512us, actual: %v", v)
	}
}
