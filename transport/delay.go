package transport

import (
	"time"
)

const (
	// Number of recent delay samples the current-delay estimate is
	// taken from.
	curDelayLen = 3
	// The base delay is the minimum over this many one-minute slots,
	// so route changes are forgotten after curDelayBaseLen minutes.
	delayBaseLen      = 13
	delayBaseInterval = time.Minute
)

// delayHistory tracks one-way delay samples of one direction of a
// connection. Samples are raw microsecond timestamp differences between
// two unsynchronized clocks; only changes relative to the rolling
// minimum (the base delay) are meaningful.
type delayHistory struct {
	base uint32 // rolling minimum of all slots

	cur    [curDelayLen]uint32 // recent samples relative to base
	curIdx int

	hist     [delayBaseLen]uint32 // per-slot minima
	histIdx  int
	lastStep time.Time

	seeded bool
}

func (s *delayHistory) clear(now time.Time) {
	*s = delayHistory{lastStep: now}
}

// shift adds offset to every recorded base. It is used when the peer's
// clock is detected to have drifted backwards relative to ours.
func (s *delayHistory) shift(offset uint32) {
	for i := range s.hist {
		s.hist[i] += offset
	}
	s.base += offset
}

// addSample records a raw delay measurement. Wrapping of the 32-bit
// microsecond clock is handled by signed comparison.
func (s *delayHistory) addSample(sample uint32, now time.Time) {
	if !s.seeded {
		s.seeded = true
		s.base = sample
		for i := range s.hist {
			s.hist[i] = sample
		}
		s.lastStep = now
	}
	if delayLess(sample, s.hist[s.histIdx]) {
		s.hist[s.histIdx] = sample
	}
	if delayLess(sample, s.base) {
		s.base = sample
	}
	s.cur[s.curIdx] = sample - s.base
	s.curIdx = (s.curIdx + 1) % curDelayLen

	if now.Sub(s.lastStep) >= delayBaseInterval {
		s.lastStep = now
		s.histIdx = (s.histIdx + 1) % delayBaseLen
		s.hist[s.histIdx] = sample
		s.base = s.hist[0]
		for _, v := range s.hist[1:] {
			if delayLess(v, s.base) {
				s.base = v
			}
		}
	}
}

// value returns the current queuing delay estimate, the minimum of the
// recent samples relative to the base delay.
func (s *delayHistory) value() time.Duration {
	v := s.cur[0]
	for _, d := range s.cur[1:] {
		if d < v {
			v = d
		}
	}
	return time.Duration(v) * time.Microsecond
}

func (s *delayHistory) baseDelay() uint32 {
	return s.base
}

// delayLess compares two raw delay measurements on a wrapping 32-bit
// microsecond clock.
func delayLess(a, b uint32) bool {
	return int32(a-b) < 0
}
