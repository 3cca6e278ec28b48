package transport

import (
	"fmt"
	"time"
)

const (
	// Initial congestion window, in segments.
	initialWindowPackets = 2
	// Delay-based growth is suppressed when the window has not been
	// saturated recently, so an idle connection cannot grow an
	// arbitrarily large window.
	windowMaxedAge = 300 * time.Millisecond
)

// congestionControl implements LEDBAT style delay-based control. The
// window grows while the measured queuing delay stays below the target
// and shrinks when it rises above, so the connection backs off before
// competing loss-based flows see congestion. Loss is a secondary
// signal: it halves the window, at most once per decay interval.
type congestionControl struct {
	state congestionState

	target time.Duration // desired queuing delay
	gain   int           // max window increase in bytes per RTT

	decayInterval time.Duration
	lastDecay     time.Time

	slowStart          bool
	slowStartThreshold uint
}

func (s *congestionControl) init(config *Config) {
	s.target = config.TargetDelay
	s.gain = config.WindowGain
	s.decayInterval = config.WindowDecayInterval
	s.slowStart = true
	s.slowStartThreshold = uint(config.SendBufferSize)
	s.state.init()
}

func (s *congestionControl) onPacketSent(sentBytes uint, now time.Time) {
	s.state.bytesInFlight += sentBytes
	if s.state.bytesInFlight >= s.state.maxWindow {
		s.state.lastMaxed = now
	}
}

// onPacketAcked applies the delay-based window update for newly
// acknowledged bytes. ourDelay is the current queuing delay estimate of
// the path from us to the peer.
func (s *congestionControl) onPacketAcked(ackedBytes uint, ourDelay time.Duration, now time.Time) {
	if s.state.bytesInFlight > ackedBytes {
		s.state.bytesInFlight -= ackedBytes
	} else {
		s.state.bytesInFlight = 0
	}
	offTarget := float64(s.target-ourDelay) / float64(s.target)
	if s.slowStart {
		if offTarget < 0 {
			// Queuing delay reached the target, stop doubling.
			s.slowStart = false
		} else {
			s.state.maxWindow += ackedBytes
			if s.state.maxWindow >= s.slowStartThreshold {
				s.state.maxWindow = s.slowStartThreshold
				s.slowStart = false
			}
			debug("congestion slow start: %v", s)
			return
		}
	}
	windowFactor := float64(minUint(ackedBytes, s.state.maxWindow)) /
		float64(maxUint(ackedBytes, s.state.maxWindow))
	scaledGain := float64(s.gain) * windowFactor * offTarget
	if scaledGain > 0 && now.Sub(s.state.lastMaxed) > windowMaxedAge {
		// The window was not limiting recently, do not grow it.
		scaledGain = 0
	}
	window := float64(s.state.maxWindow) + scaledGain
	minimum := float64(s.state.maxDatagramSize)
	if window < minimum {
		window = minimum
	}
	s.state.maxWindow = uint(window)
	debug("congestion packet acked: %v", s)
}

// onCongestionEvent halves the window in response to loss. Reductions
// are spaced at least one decay interval apart so a burst of losses
// from a single congestion episode decays the window only once.
func (s *congestionControl) onCongestionEvent(now time.Time) {
	if !s.lastDecay.IsZero() && now.Sub(s.lastDecay) < s.decayInterval {
		return
	}
	s.lastDecay = now
	s.slowStart = false
	window := s.state.maxWindow / lossReductionFactor
	if window < s.state.maxDatagramSize {
		window = s.state.maxDatagramSize
	}
	s.state.maxWindow = window
	debug("congestion event: %v", s)
}

// collapseWindow resets the window to one segment after a
// retransmission timeout.
func (s *congestionControl) collapseWindow() {
	s.slowStart = false
	s.state.maxWindow = s.state.maxDatagramSize
}

func (s *congestionControl) available() uint {
	if s.state.maxWindow > s.state.bytesInFlight {
		return s.state.maxWindow - s.state.bytesInFlight
	}
	return 0
}

func (s *congestionControl) window() uint {
	return s.state.maxWindow
}

func (s *congestionControl) setMaxDatagramSize(maxDatagramSize uint) {
	if s.state.maxWindow == initialWindowPackets*s.state.maxDatagramSize {
		// Only update window when it has not been updated.
		s.state.maxWindow = initialWindowPackets * maxDatagramSize
	}
	if s.state.maxWindow < maxDatagramSize {
		s.state.maxWindow = maxDatagramSize
	}
	s.state.maxDatagramSize = maxDatagramSize
}

func (s *congestionControl) log(b []byte) []byte {
	b = appendField(b, "congestion_window", s.state.maxWindow)
	b = appendField(b, "bytes_in_flight", s.state.bytesInFlight)
	b = appendField(b, "slow_start", s.slowStart)
	return b
}

func (s *congestionControl) String() string {
	return fmt.Sprintf("%v slow_start=%v", &s.state, s.slowStart)
}

type congestionState struct {
	// maxDatagramSize is the sender's current maximum payload size.
	maxDatagramSize uint
	// bytesInFlight is the total size of sent packets not yet acked
	// or declared lost.
	bytesInFlight uint
	// maxWindow is the maximum bytes-in-flight the controller allows.
	maxWindow uint
	// lastMaxed is the last time the window was saturated.
	lastMaxed time.Time
}

func (s *congestionState) init() {
	s.maxDatagramSize = MinPacketSize
	s.maxWindow = initialWindowPackets * MinPacketSize
}

func (s *congestionState) String() string {
	return fmt.Sprintf("congestion_window=%v bytes_in_flight=%v max_datagram_size=%v",
		s.maxWindow, s.bytesInFlight, s.maxDatagramSize)
}

func minUint(a, b uint) uint {
	if a < b {
		return a
	}
	return b
}

func maxUint(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}
