package transport

import (
	"testing"
	"time"
)

func TestCongestionSlowStart(t *testing.T) {
	x := newCongestionControlTest(t)
	x.assertCongestionWindow(initialWindowPackets * MinPacketSize)

	x.c.setMaxDatagramSize(1000)
	x.assertCongestionWindow(initialWindowPackets * 1000)

	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	x.c.onPacketSent(2000, now)
	x.assertInFlight(2000)
	x.assertWindowAvailable(0)

	// Below target the window doubles per round trip.
	x.c.onPacketAcked(2000, 10*time.Millisecond, now)
	x.assertCongestionWindow(4000)
	x.assertInFlight(0)
}

func TestCongestionDelayBackoff(t *testing.T) {
	x := newCongestionControlTest(t)
	x.c.setMaxDatagramSize(1000)
	x.c.slowStart = false
	x.c.state.maxWindow = 20000

	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	// A linearly rising delay above target must never grow the window.
	prev := x.c.window()
	for i := 0; i < 200; i++ {
		now = now.Add(10 * time.Millisecond)
		delay := defaultTargetDelay + time.Duration(i)*time.Millisecond
		x.c.onPacketSent(1000, now)
		x.c.onPacketAcked(1000, delay, now)
		if w := x.c.window(); w > prev {
			t.Fatalf("window grew under rising delay: %v > %v at sample %d", w, prev, i)
		} else {
			prev = w
		}
	}
	// The floor is one datagram regardless of how long delay stays up.
	if x.c.window() < 1000 {
		t.Fatalf("window below one datagram: %v", x.c.window())
	}
}

func TestCongestionWindowFloor(t *testing.T) {
	x := newCongestionControlTest(t)
	x.c.setMaxDatagramSize(1000)
	x.c.slowStart = false

	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		now = now.Add(200 * time.Millisecond)
		x.c.onPacketSent(1000, now)
		x.c.onPacketAcked(1000, time.Second, now) // sustained high delay
		x.c.onCongestionEvent(now)                // and loss
		if w := x.c.window(); w < 1000 {
			t.Fatalf("window below one datagram: %v", w)
		}
	}
	x.c.collapseWindow()
	x.assertCongestionWindow(1000)
}

func TestCongestionDecaySpacing(t *testing.T) {
	x := newCongestionControlTest(t)
	x.c.setMaxDatagramSize(1000)
	x.c.slowStart = false
	x.c.state.maxWindow = 40000

	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	x.c.onCongestionEvent(now)
	x.assertCongestionWindow(20000)
	// Losses inside the decay interval belong to the same congestion
	// episode and must not decay again.
	x.c.onCongestionEvent(now.Add(50 * time.Millisecond))
	x.assertCongestionWindow(20000)
	x.c.onCongestionEvent(now.Add(150 * time.Millisecond))
	x.assertCongestionWindow(10000)
}

func TestCongestionIdleClamp(t *testing.T) {
	x := newCongestionControlTest(t)
	x.c.setMaxDatagramSize(1000)
	x.c.slowStart = false
	x.c.state.maxWindow = 10000

	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	// The window was never saturated, so low delay must not grow it.
	x.c.onPacketSent(1000, now)
	x.c.state.lastMaxed = now.Add(-time.Second)
	x.c.onPacketAcked(1000, time.Millisecond, now)
	x.assertCongestionWindow(10000)
}

type congestionControlTest struct {
	t *testing.T
	c congestionControl
}

func newCongestionControlTest(t *testing.T) *congestionControlTest {
	x := &congestionControlTest{
		t: t,
	}
	x.c.init(NewConfig())
	return x
}

func (x *congestionControlTest) assertInFlight(n uint) {
	if x.c.state.bytesInFlight != n {
		x.t.Helper()
		x.t.Fatalf("expect bytes_in_flight: %v, actual: %d", n, x.c.state.bytesInFlight)
	}
}

func (x *congestionControlTest) assertCongestionWindow(n uint) {
	if x.c.window() != n {
		x.t.Helper()
		x.t.Fatalf("expect congestion_window: %v, actual: %v", n, x.c.window())
	}
}

func (x *congestionControlTest) assertWindowAvailable(n uint) {
	if x.c.available() != n {
		x.t.Helper()
		x.t.Fatalf("expect available window: %v, actual: %v", n, x.c.available())
	}
}
