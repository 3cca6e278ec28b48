// Package transport provides implementation of the uTP transport protocol.
package transport

import (
	"crypto/rand"
	"io"
	"time"
)

const (
	// ProtocolVersion is the supported uTP wire version.
	ProtocolVersion = 1

	// MinPacketSize is the smallest datagram size any path must carry.
	MinPacketSize = 576
	// MaxPacketSize is the largest datagram the engine will emit,
	// an Ethernet payload minus IP and UDP headers.
	MaxPacketSize = 1452

	// https://www.rfc-editor.org/rfc/rfc6817.html#section-3.4.2
	defaultTargetDelay = 100 * time.Millisecond
	// Maximum congestion window increase per round trip, in bytes.
	defaultWindowGain = 3000
	// Multiplicative window decrease on loss. The value is 0.5 but
	// used as "x/2" to avoid casting to float.
	lossReductionFactor = 2
)

// Config is a uTP engine configuration. The same Config is shared by
// every connection of a Manager. All fields are read-only to the engine
// once the Manager is created.
type Config struct {
	// Rand provides entropy for connection ids and initial sequence
	// numbers. It defaults to crypto/rand.Reader.
	Rand io.Reader

	// TargetDelay is the desired steady state queuing delay.
	TargetDelay time.Duration
	// WindowGain is the maximum congestion window increase, in bytes,
	// per round trip at zero queuing delay.
	WindowGain int
	// WindowDecayInterval is the minimum spacing between two
	// loss-triggered window reductions.
	WindowDecayInterval time.Duration

	// MinTimeout is the floor of the retransmission timeout.
	MinTimeout time.Duration
	// ConnectTimeout is the initial retransmission timeout of a SYN.
	ConnectTimeout time.Duration
	// SynResends, FinResends and NumResends bound how often a SYN, a
	// FIN and any other packet are retransmitted without forward
	// progress before the connection is torn down.
	SynResends int
	FinResends int
	NumResends int

	// SackWindow is the width of the selective ack bitmap in bits.
	// It must be a multiple of 8.
	SackWindow int
	// ReorderLimit is the maximum number of out-of-order packets
	// buffered before the connection is reset.
	ReorderLimit int

	// SendBufferSize and RecvBufferSize bound the per-connection
	// write queue and receive queue in bytes. The advertised receive
	// window is derived from the free space in the receive queue.
	SendBufferSize int
	RecvBufferSize int

	// DelayedAckBytes and DelayedAckDelay control when received data
	// is acknowledged: after this many unacknowledged bytes, or at
	// the first tick past this delay.
	DelayedAckBytes int
	DelayedAckDelay time.Duration

	// KeepaliveInterval is the idle interval after which a keepalive
	// state packet is sent. Zero disables keepalives.
	KeepaliveInterval time.Duration

	// MTUProbeInterval is the spacing of path MTU probes while the
	// search window is open.
	MTUProbeInterval time.Duration
	// MTUProbeSuccesses is how many probes of one candidate size must
	// be acknowledged before the segment size is raised to it.
	MTUProbeSuccesses int

	// PoolMemoryLimit caps the total memory of the shared buffer
	// pool, free and in-flight, in bytes. Zero means no limit.
	PoolMemoryLimit int
	// PoolDecayAge is the idle age past which pooled buffers are
	// freed during the manager tick.
	PoolDecayAge time.Duration
}

// NewConfig creates a default configuration. The defaults follow the
// reference uTP implementation where it defines a value.
func NewConfig() *Config {
	return &Config{
		Rand: rand.Reader,

		TargetDelay:         defaultTargetDelay,
		WindowGain:          defaultWindowGain,
		WindowDecayInterval: 100 * time.Millisecond,

		MinTimeout:     500 * time.Millisecond,
		ConnectTimeout: 3 * time.Second,
		SynResends:     2,
		FinResends:     2,
		NumResends:     4,

		SackWindow:   32,
		ReorderLimit: 511,

		SendBufferSize: 1 << 20,
		RecvBufferSize: 1 << 20,

		DelayedAckBytes: 2400,
		DelayedAckDelay: 100 * time.Millisecond,

		KeepaliveInterval: 29 * time.Second,

		MTUProbeInterval:  30 * time.Second,
		MTUProbeSuccesses: 3,

		PoolMemoryLimit: 4 << 20,
		PoolDecayAge:    10 * time.Second,
	}
}

func versionSupported(ver uint8) bool {
	return ver == ProtocolVersion
}
