package transport

import (
	"io"
	"net/netip"
	"time"
)

// State is a connection state.
type State int

const (
	StateIdle State = iota
	StateSynSent
	StateConnected
	StateFinSent
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynSent:
		return "syn_sent"
	case StateConnected:
		return "connected"
	case StateFinSent:
		return "fin_sent"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

const (
	// Upper bound on unacknowledged packets in the outbound window.
	maxFlightPackets = 511
	// Retransmission timeout ceiling.
	maxTimeout = 60 * time.Second
	// Duplicate acks of the same sequence number before the first
	// unacknowledged packet is retransmitted.
	duplicateAcksBeforeResend = 3
	// Maximum packets retransmitted from one selective ack.
	maxFastResends = 4
	// After the peer advertised a zero receive window, one probe
	// segment is allowed past the window at this interval.
	zeroWindowInterval = 15 * time.Second
	// The path MTU search is closed when the window shrinks to this.
	mtuSearchPrecision = 16
	// Largest clock drift correction applied from one sample.
	maxDelayShift = 10000 // microseconds
)

// sentPacket is one packet in the outbound window. buf is the encoded
// datagram, owned by the entry until the packet is acknowledged.
type sentPacket struct {
	seq        uint16
	buf        []byte
	timeSent   time.Time
	transmits  int
	needResend bool
	acked      bool
	mtuProbe   bool
}

// Conn is a single uTP connection. It is created by a Manager, either
// by Connect or from an inbound SYN, and must only be used from the
// goroutine driving that Manager.
type Conn struct {
	mgr    *Manager
	config *Config
	addr   netip.AddrPort

	state State
	err   *Error

	sendID uint16
	recvID uint16

	seqNum uint16 // next sequence number to send
	ackNum uint16 // last in-order sequence received

	peerWindow   uint32
	zeroWindowAt time.Time // deadline for a zero window probe
	replyMicro   uint32

	// Outbound
	sendBuf      byteRing
	flight       []*sentPacket
	lastAckRecv  uint16
	dupAckCount  int
	writeBlocked bool
	finPending   bool
	finEmitted   bool

	// Timers
	srtt        time.Duration
	rttvar      time.Duration
	rto         time.Duration
	rtoDeadline time.Time
	retransmits int
	lastSend    time.Time

	// Inbound
	reorder       map[uint16][]byte
	reorderBytes  int
	readable      [][]byte
	readOff       int
	readableBytes int
	unackedBytes  int
	ackDeadline   time.Time
	gotFin        bool
	eofSeq        uint16
	eofReached    bool

	// Delay and congestion
	ourHist  delayHistory
	peerHist delayHistory
	cc       congestionControl

	// Path MTU search
	packetSize    int // current datagram size
	mtuFloor      int
	mtuCeiling    int
	mtuProbeSize  int
	mtuProbeOut   bool
	mtuProbeAcks  int
	nextProbeTime time.Time
}

func newConn(mgr *Manager, addr netip.AddrPort, now time.Time) *Conn {
	c := &Conn{
		mgr:    mgr,
		config: mgr.config,
		addr:   addr,

		reorder:  map[uint16][]byte{},
		lastSend: now,
	}
	c.rto = c.config.MinTimeout
	c.mtuFloor = MinPacketSize
	c.mtuCeiling = MaxPacketSize
	if limit := mgr.MTURestriction(); limit > 0 && limit < c.mtuCeiling {
		c.mtuCeiling = limit
		if c.mtuFloor > limit {
			c.mtuFloor = limit
		}
	}
	c.packetSize = c.mtuFloor
	c.cc.init(c.config)
	c.cc.setMaxDatagramSize(uint(c.packetSize))
	c.ourHist.clear(now)
	c.peerHist.clear(now)
	c.sendBuf.init(c.config.SendBufferSize)
	// Assume one segment until the peer advertises its window.
	c.peerWindow = uint32(c.packetSize)
	return c
}

// connect sends the initial SYN. The receive id was chosen by the
// Manager; the send id is one above it.
func (c *Conn) connect(id uint16, now time.Time) error {
	c.recvID = id
	c.sendID = id + 1
	c.seqNum = 1
	c.setState(StateSynSent, nil, now)
	c.rto = c.config.ConnectTimeout
	p := &packet{
		typ:    packetSyn,
		connID: c.recvID,
		seq:    c.seqNum,
		ack:    0,
	}
	c.seqNum++
	return c.sendTracked(p, false, now)
}

// accept initializes the connection from an inbound SYN and
// acknowledges it.
func (c *Conn) accept(p *packet, seq uint16, now time.Time) {
	c.sendID = p.connID
	c.recvID = p.connID + 1
	c.seqNum = seq
	c.ackNum = p.seq
	c.peerWindow = p.windowSize
	c.recvTimestamps(p, now)
	c.setState(StateConnected, nil, now)
	c.sendAck(now)
}

// State returns the current connection state.
func (c *Conn) State() State {
	return c.state
}

// RemoteAddr returns the peer endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return c.addr
}

// ConnectionID returns the id inbound packets of this connection carry.
func (c *Conn) ConnectionID() uint16 {
	return c.recvID
}

// Err returns the terminal failure, or nil when the connection is live
// or was closed gracefully.
func (c *Conn) Err() error {
	if c.err == nil {
		return nil
	}
	return c.err
}

// Write enqueues application data for sending. It returns the number
// of bytes accepted, possibly zero when the send buffer is full; the
// remainder should be offered again after an EventWritable.
func (c *Conn) Write(b []byte) (int, error) {
	switch c.state {
	case StateSynSent, StateConnected:
	default:
		return 0, errClosed
	}
	n := c.sendBuf.push(b)
	if n < len(b) {
		c.writeBlocked = true
	}
	if n > 0 && c.state == StateConnected {
		c.flush(c.mgr.now)
	}
	return n, nil
}

// Read copies received data in sequence order. It returns 0, nil when
// no data is available, io.EOF once the stream ended gracefully and
// all data was consumed, and the terminal error after a reset.
func (c *Conn) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) && len(c.readable) > 0 {
		src := c.readable[0][c.readOff:]
		m := copy(b[n:], src)
		n += m
		c.readOff += m
		if c.readOff == len(c.readable[0]) {
			c.mgr.pool.release(c.readable[0], c.mgr.now)
			c.readable[0] = nil
			c.readable = c.readable[1:]
			c.readOff = 0
		}
	}
	c.readableBytes -= n
	if n > 0 {
		if c.state == StateConnected {
			used := c.reorderBytes + c.readableBytes
			half := c.config.RecvBufferSize / 2
			if used < half && used+n >= half {
				// The peer may be stalled on our receive window;
				// advertise the freed space right away.
				c.sendAck(c.mgr.now)
			}
		}
		return n, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.eofReached || c.state == StateClosed {
		return 0, io.EOF
	}
	return 0, nil
}

// Close initiates a graceful shutdown. Pending writes are flushed and
// followed by a FIN. Close is idempotent.
func (c *Conn) Close() error {
	switch c.state {
	case StateConnected:
		c.setState(StateFinSent, nil, c.mgr.now)
		c.finPending = true
		c.flush(c.mgr.now)
	case StateSynSent:
		c.teardown(StateClosed, nil, c.mgr.now)
	}
	return nil
}

func (c *Conn) setState(state State, err *Error, now time.Time) {
	if c.state == state {
		return
	}
	if e, ok := c.mgr.logEvent(now, logEventConnStateUpdated); ok {
		logConnectionState(&e, c.state, state)
		c.mgr.submitLog(e)
	}
	c.state = state
	c.mgr.addEvent(Event{Type: EventStateChanged, Conn: c, State: state, Err: err})
}

// teardown moves the connection to a terminal state exactly once and
// releases the outbound window and reorder buffers.
func (c *Conn) teardown(state State, err *Error, now time.Time) {
	if c.state == StateClosed || c.state == StateReset {
		return
	}
	c.err = err
	for _, sp := range c.flight {
		if sp.buf != nil {
			c.mgr.pool.release(sp.buf, now)
			sp.buf = nil
		}
	}
	c.flight = nil
	for seq, b := range c.reorder {
		c.mgr.pool.release(b, now)
		delete(c.reorder, seq)
	}
	c.reorderBytes = 0
	c.sendBuf.reset()
	c.rtoDeadline = time.Time{}
	c.ackDeadline = time.Time{}
	c.setState(state, err, now)
	if err != nil || c.eofReached || state == StateClosed {
		// Wake a pending Read so it observes the end of the stream.
		c.mgr.addEvent(Event{Type: EventReadable, Conn: c})
	}
}

// releaseReadable drops undelivered data. Called by the Manager when
// the connection is removed from its table.
func (c *Conn) releaseReadable(now time.Time) {
	for i, b := range c.readable {
		c.mgr.pool.release(b, now)
		c.readable[i] = nil
	}
	c.readable = nil
	c.readableBytes = 0
	c.readOff = 0
}

// recvPacket processes one inbound packet routed here by the Manager.
func (c *Conn) recvPacket(p *packet, now time.Time) {
	if c.state == StateClosed || c.state == StateReset {
		return
	}
	if p.typ == packetReset {
		c.teardown(StateReset, errConnectionReset, now)
		return
	}
	c.recvTimestamps(p, now)
	c.peerWindow = p.windowSize
	if c.peerWindow == 0 {
		if c.zeroWindowAt.IsZero() {
			c.zeroWindowAt = now.Add(zeroWindowInterval)
		}
	} else {
		c.zeroWindowAt = time.Time{}
	}
	switch c.state {
	case StateSynSent:
		if p.typ != packetState {
			// Data before the connect handshake completed.
			c.dropPacket(p, logTriggerUnexpectedPacket, now)
			return
		}
		// The first ack from the peer carries its initial sequence
		// number; the next packet it sends will be one above it.
		c.ackNum = p.seq - 1
		c.processAck(p, now)
		c.rto = c.config.MinTimeout
		c.retransmits = 0
		c.setState(StateConnected, nil, now)
		c.flush(now)
		return
	}
	if p.typ == packetSyn {
		// Duplicate SYN, the handshake ack was lost.
		c.sendAck(now)
		return
	}
	c.processAck(p, now)
	switch p.typ {
	case packetData, packetFin:
		c.recvData(p, now)
	}
	if c.state == StateClosed || c.state == StateReset {
		return
	}
	// The shutdown completes once our fin is acknowledged. Checked
	// after the data path so a fin arriving in the same packet
	// exchange still gets its final ack.
	if c.state == StateFinSent && c.finEmitted && c.flightEmpty() {
		c.teardown(StateClosed, nil, now)
		return
	}
	c.flush(now)
}

// recvTimestamps feeds the packet's clock fields into the delay
// histories and prepares the echo for our next outbound packet.
func (c *Conn) recvTimestamps(p *packet, now time.Time) {
	if p.timestamp != 0 {
		theirDelay := timeMicro(now) - p.timestamp
		c.replyMicro = theirDelay
		seeded := c.peerHist.seeded
		prevBase := c.peerHist.baseDelay()
		c.peerHist.addSample(theirDelay, now)
		if seeded && delayLess(c.peerHist.baseDelay(), prevBase) {
			// The peer's clock runs slow relative to ours. Shift our
			// own history so the base delays stay comparable.
			diff := prevBase - c.peerHist.baseDelay()
			if diff <= maxDelayShift {
				c.ourHist.shift(diff)
			}
		}
	}
	if p.timestampDiff != 0 {
		c.ourHist.addSample(p.timestampDiff, now)
	}
}

// processAck retires acknowledged packets from the outbound window,
// samples the RTT and drives the congestion controller.
func (c *Conn) processAck(p *packet, now time.Time) {
	if len(c.flight) == 0 {
		return
	}
	// An ack beyond what was sent is not plausible.
	if seqDiff(p.ack, c.seqNum-1) > 0 || seqDiff(p.ack, c.flight[0].seq-1) < 0 {
		c.dropPacket(p, logTriggerStale, now)
		return
	}
	if p.ack == c.lastAckRecv && p.typ == packetState && len(p.sack) == 0 {
		c.dupAckCount++
	} else {
		c.lastAckRecv = p.ack
		c.dupAckCount = 0
	}

	var ackedBytes uint
	var rttSample time.Duration
	newlyAcked := false
	for _, sp := range c.flight {
		if sp.acked {
			continue
		}
		if seqDiff(p.ack, sp.seq) >= 0 {
			c.ackPacket(sp, &ackedBytes, &rttSample, now)
			newlyAcked = true
		}
	}
	if len(p.sack) > 0 {
		if c.processSack(p, &ackedBytes, &rttSample, now) {
			newlyAcked = true
		}
	}
	// Classic duplicate ack fast retransmit.
	if c.dupAckCount >= duplicateAcksBeforeResend {
		c.dupAckCount = 0
		if sp := c.firstUnacked(); sp != nil && sp.transmits > 0 {
			debug("fast resend seq=%d", sp.seq)
			c.resendPacket(sp, now)
			c.cc.onCongestionEvent(now)
		}
	}
	if !newlyAcked {
		return
	}
	if rttSample > 0 {
		c.updateRTT(rttSample)
	}
	c.cc.onPacketAcked(ackedBytes, c.ourHist.value(), now)
	c.retransmits = 0
	// Pop the contiguous acknowledged prefix.
	i := 0
	for i < len(c.flight) && c.flight[i].acked {
		c.flight[i] = nil
		i++
	}
	if i > 0 {
		c.flight = c.flight[i:]
	}
	if len(c.flight) == 0 {
		c.rtoDeadline = time.Time{}
	} else {
		c.rtoDeadline = now.Add(c.rto)
	}
	if c.writeBlocked && c.sendBuf.space() > 0 {
		c.writeBlocked = false
		c.mgr.addEvent(Event{Type: EventWritable, Conn: c})
	}
	if e, ok := c.mgr.logEvent(now, logEventMetricsUpdated); ok {
		e.addField("smoothed_rtt", c.srtt)
		e.addField("rtt_variance", c.rttvar)
		e.Data = c.cc.log(e.Data)
		c.mgr.submitLog(e)
	}
}

// processSack acks packets covered by the selective ack bitmap and
// retransmits packets that the bitmap shows were overtaken.
func (c *Conn) processSack(p *packet, ackedBytes *uint, rttSample *time.Duration, now time.Time) bool {
	// Bit i stands for sequence number ack+2+i.
	base := p.ack + 2
	newlyAcked := false
	sackedAfter := 0
	resent := 0
	// Walk the window backwards so the count of sacked packets past
	// each unacknowledged entry is available when it is visited.
	for i := len(c.flight) - 1; i >= 0; i-- {
		sp := c.flight[i]
		d := seqDiff(sp.seq, base)
		covered := false
		if d >= 0 && d < len(p.sack)*8 {
			covered = p.sack[d/8]&(1<<(uint(d)%8)) != 0
		}
		if covered {
			if !sp.acked {
				c.ackPacket(sp, ackedBytes, rttSample, now)
				newlyAcked = true
			}
			sackedAfter++
			continue
		}
		if sp.acked {
			continue
		}
		if sackedAfter >= duplicateAcksBeforeResend && resent < maxFastResends && sp.transmits > 0 {
			debug("selective ack resend seq=%d", sp.seq)
			c.resendPacket(sp, now)
			resent++
		}
	}
	if resent > 0 {
		c.cc.onCongestionEvent(now)
	}
	return newlyAcked
}

// ackPacket marks one outbound packet acknowledged and releases its
// datagram buffer.
func (c *Conn) ackPacket(sp *sentPacket, ackedBytes *uint, rttSample *time.Duration, now time.Time) {
	sp.acked = true
	*ackedBytes += uint(len(sp.buf))
	if sp.transmits == 1 {
		// Samples from retransmitted packets are ambiguous.
		if rtt := now.Sub(sp.timeSent); rtt > 0 {
			*rttSample = rtt
		}
	}
	if sp.mtuProbe {
		c.onProbeAcked(sp, now)
	}
	if sp.buf != nil {
		c.mgr.pool.release(sp.buf, now)
		sp.buf = nil
	}
}

func (c *Conn) firstUnacked() *sentPacket {
	for _, sp := range c.flight {
		if !sp.acked {
			return sp
		}
	}
	return nil
}

func (c *Conn) updateRTT(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		delta := c.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		c.rttvar += (delta - c.rttvar) / 4
		c.srtt = c.srtt - c.srtt/8 + sample/8
	}
	c.rto = c.srtt + 4*c.rttvar
	if c.rto < c.config.MinTimeout {
		c.rto = c.config.MinTimeout
	}
}

// recvData accepts an inbound data or fin packet, delivers in-order
// payload and buffers out-of-order payload until the gap fills.
func (c *Conn) recvData(p *packet, now time.Time) {
	if p.typ == packetFin && !c.gotFin {
		c.gotFin = true
		c.eofSeq = p.seq
	}
	dist := seqDiff(p.seq, c.ackNum)
	switch {
	case dist <= 0:
		// Duplicate of already delivered data; the ack was lost.
		c.dropPacket(p, logTriggerDuplicate, now)
		c.sendAck(now)
		return
	case dist == 1:
		if !c.deliver(p.payload, now) {
			return
		}
		c.ackNum++
		// Drain the reorder buffer while the gap stays filled. Empty
		// entries, a fin held ahead of a gap, carry no buffer.
		for {
			b, ok := c.reorder[c.ackNum+1]
			if !ok {
				break
			}
			delete(c.reorder, c.ackNum+1)
			if len(b) > 0 {
				c.reorderBytes -= len(b)
				c.readable = append(c.readable, b)
				c.readableBytes += len(b)
			}
			c.ackNum++
		}
		c.checkEOF(now)
		c.mgr.addEvent(Event{Type: EventReadable, Conn: c})
		c.scheduleAck(len(p.payload), now)
	default:
		if dist > c.config.ReorderLimit {
			// Too far ahead to ever buffer; the peer state must be
			// corrupt.
			c.sendReset(now)
			c.teardown(StateReset, errProtocolViolation, now)
			return
		}
		if _, ok := c.reorder[p.seq]; ok {
			c.dropPacket(p, logTriggerDuplicate, now)
			c.sendAck(now)
			return
		}
		if len(c.reorder) >= c.config.ReorderLimit {
			c.teardown(StateReset, errReorderLimit, now)
			return
		}
		b, err := c.copyPayload(p.payload)
		if err != nil {
			c.teardown(StateReset, errPoolLimit, now)
			return
		}
		c.reorder[p.seq] = b
		c.reorderBytes += len(b)
		// Ack immediately so the peer learns about the gap.
		c.sendAck(now)
	}
}

// deliver appends in-order payload to the readable queue.
func (c *Conn) deliver(payload []byte, now time.Time) bool {
	if len(payload) == 0 {
		return true
	}
	b, err := c.copyPayload(payload)
	if err != nil {
		c.teardown(StateReset, errPoolLimit, now)
		return false
	}
	c.readable = append(c.readable, b)
	c.readableBytes += len(b)
	return true
}

func (c *Conn) copyPayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	b, err := c.mgr.pool.acquire(len(payload))
	if err != nil {
		return nil, err
	}
	copy(b, payload)
	return b, nil
}

func (c *Conn) checkEOF(now time.Time) {
	if !c.gotFin || c.eofReached || seqDiff(c.ackNum, c.eofSeq) < 0 {
		return
	}
	c.eofReached = true
	if c.state == StateFinSent {
		if c.finEmitted && c.flightEmpty() {
			c.teardown(StateClosed, nil, now)
		}
	}
}

func (c *Conn) flightEmpty() bool {
	return c.firstUnacked() == nil
}

// scheduleAck delays the acknowledgment of in-order data until enough
// bytes accumulated or the delay expires at the next tick.
func (c *Conn) scheduleAck(n int, now time.Time) {
	c.unackedBytes += n
	if c.unackedBytes >= c.config.DelayedAckBytes || c.gotFin {
		c.sendAck(now)
		return
	}
	if c.ackDeadline.IsZero() {
		c.ackDeadline = now.Add(c.config.DelayedAckDelay)
	}
}

// sendAck sends a state packet carrying the cumulative ack and, when
// the reorder buffer is not empty, a selective ack bitmap.
func (c *Conn) sendAck(now time.Time) {
	p := &packet{
		typ:    packetState,
		connID: c.sendID,
		seq:    c.seqNum,
		ack:    c.ackNum,
	}
	var sack [32]byte
	if len(c.reorder) > 0 {
		n := c.config.SackWindow / 8
		if n > len(sack) {
			n = len(sack)
		}
		for d := 0; d < n*8; d++ {
			if _, ok := c.reorder[c.ackNum+2+uint16(d)]; ok {
				sack[d/8] |= 1 << (uint(d) % 8)
			}
		}
		p.sack = sack[:n]
	}
	c.sendControl(p, now)
	c.unackedBytes = 0
	c.ackDeadline = time.Time{}
}

// sendKeepalive sends a state packet with an ack one behind, forcing a
// response without acknowledging anything new.
func (c *Conn) sendKeepalive(now time.Time) {
	c.ackNum--
	c.sendAck(now)
	c.ackNum++
}

func (c *Conn) sendReset(now time.Time) {
	c.mgr.sendReset(c.addr, c.sendID, c.seqNum, c.ackNum, now)
}

// sendControl encodes and transmits a packet that is not retained for
// retransmission.
func (c *Conn) sendControl(p *packet, now time.Time) {
	p.timestamp = timeMicro(now)
	p.timestampDiff = c.replyMicro
	p.windowSize = c.localWindow()
	b, err := c.mgr.pool.acquire(p.encodedLen())
	if err != nil {
		// Control packets are best effort, a later tick retries.
		return
	}
	n, err := p.encode(b)
	if err == nil {
		c.mgr.transmit(c, p, b[:n], now)
	}
	c.mgr.pool.release(b, now)
	c.lastSend = now
}

// sendTracked encodes and transmits a packet and places it in the
// outbound window for retransmission.
func (c *Conn) sendTracked(p *packet, mtuProbe bool, now time.Time) error {
	p.timestamp = timeMicro(now)
	p.timestampDiff = c.replyMicro
	p.windowSize = c.localWindow()
	b, err := c.mgr.pool.acquire(p.encodedLen())
	if err != nil {
		return err
	}
	n, err := p.encode(b)
	if err != nil {
		c.mgr.pool.release(b, now)
		return err
	}
	sp := &sentPacket{
		seq:       p.seq,
		buf:       b[:n],
		timeSent:  now,
		transmits: 1,
		mtuProbe:  mtuProbe,
	}
	c.flight = append(c.flight, sp)
	c.mgr.transmit(c, p, sp.buf, now)
	c.cc.onPacketSent(uint(n), now)
	c.lastSend = now
	c.unackedBytes = 0
	c.ackDeadline = time.Time{}
	if c.rtoDeadline.IsZero() {
		c.rtoDeadline = now.Add(c.rto)
	}
	return nil
}

// resendPacket retransmits one packet from the outbound window,
// refreshing the clock, window and ack fields in place.
func (c *Conn) resendPacket(sp *sentPacket, now time.Time) {
	if sp.buf == nil || sp.acked {
		return
	}
	sp.needResend = false
	sp.transmits++
	sp.timeSent = now
	restampHeader(sp.buf, timeMicro(now), c.replyMicro, c.localWindow(), c.ackNum)
	if e, ok := c.mgr.logEvent(now, logEventPacketLost); ok {
		e.addField("seq", sp.seq)
		e.addField("transmits", sp.transmits)
		c.mgr.submitLog(e)
	}
	c.mgr.transmitRaw(c.addr, sp.buf, now)
	c.lastSend = now
	if sp.mtuProbe {
		// A lost probe means the candidate size likely does not fit.
		c.onProbeLost(now)
	}
}

// restampHeader rewrites the mutable header fields of an encoded
// packet before retransmission.
func restampHeader(b []byte, ts, tsDiff, wnd uint32, ack uint16) {
	enc := newCodec(b)
	enc.skip(4)
	enc.writeUint32(ts)
	enc.writeUint32(tsDiff)
	enc.writeUint32(wnd)
	enc.skip(2)
	enc.writeUint16(ack)
}

// flush sends as much pending data as the congestion window, the
// peer's receive window and the outbound window size allow.
func (c *Conn) flush(now time.Time) {
	if c.state != StateConnected && c.state != StateFinSent {
		return
	}
	// Retransmissions first, they occupy window already.
	for _, sp := range c.flight {
		if sp.needResend {
			c.resendPacket(sp, now)
		}
	}
	for {
		if c.sendBuf.len() == 0 {
			break
		}
		payload := c.segmentSize()
		probe := false
		if cand := c.probeCandidate(now); cand != 0 && c.canSend(cand, now) {
			// The probe rides the send queue as an oversized segment.
			payload = cand - headerLen
			probe = true
			c.mtuProbeSize = cand
			c.nextProbeTime = now.Add(c.config.MTUProbeInterval)
		} else {
			if n := c.sendBuf.len(); n < payload {
				payload = n
			}
			if !c.canSend(headerLen+payload, now) {
				return
			}
		}
		if !c.sendSegment(payload, probe, now) {
			return
		}
	}
	if c.finPending && !c.finEmitted && c.canSend(headerLen, now) {
		p := &packet{
			typ:    packetFin,
			connID: c.sendID,
			seq:    c.seqNum,
			ack:    c.ackNum,
		}
		c.seqNum++
		c.finEmitted = true
		c.rto = c.config.MinTimeout
		c.retransmits = 0
		c.sendTracked(p, false, now)
	}
}

// canSend reports whether one more datagram of the given size fits the
// congestion window, the peer window and the outbound window.
func (c *Conn) canSend(size int, now time.Time) bool {
	if len(c.flight) >= maxFlightPackets {
		return false
	}
	if uint(size) > c.cc.available() {
		return false
	}
	inFlight := c.bytesInFlight()
	window := int(c.peerWindow)
	if window == 0 && !c.zeroWindowAt.IsZero() && !now.Before(c.zeroWindowAt) {
		// Probe a zero window with a single segment. The probe slot is
		// consumed only when the caller is actually cleared to send.
		if inFlight+size <= c.packetSize {
			c.zeroWindowAt = now.Add(zeroWindowInterval)
			return true
		}
		return false
	}
	return inFlight+size <= window
}

func (c *Conn) bytesInFlight() int {
	n := 0
	for _, sp := range c.flight {
		if !sp.acked {
			n += len(sp.buf)
		}
	}
	return n
}

// sendSegment slices one segment off the send queue and transmits it.
// A buffer pool failure tears the connection down since the dequeued
// bytes cannot be recovered.
func (c *Conn) sendSegment(payload int, mtuProbe bool, now time.Time) bool {
	p := &packet{
		typ:    packetData,
		connID: c.sendID,
		seq:    c.seqNum,
		ack:    c.ackNum,
	}
	buf := make([]byte, payload)
	c.sendBuf.pop(buf)
	p.payload = buf
	c.seqNum++
	if mtuProbe {
		c.mtuProbeOut = true
	}
	if err := c.sendTracked(p, mtuProbe, now); err != nil {
		c.teardown(StateReset, errPoolLimit, now)
		return false
	}
	return true
}

// segmentSize is the usable payload of one datagram at the current
// path MTU, capped by the manager-wide restriction.
func (c *Conn) segmentSize() int {
	size := c.packetSize
	if limit := c.mgr.MTURestriction(); limit > 0 && limit < size {
		size = limit
	}
	return size - headerLen
}

func (c *Conn) localWindow() uint32 {
	used := c.reorderBytes + c.readableBytes
	if used >= c.config.RecvBufferSize {
		return 0
	}
	return uint32(c.config.RecvBufferSize - used)
}

// tick drives the connection timers: retransmission, delayed acks and
// keepalives.
func (c *Conn) tick(now time.Time) {
	switch c.state {
	case StateClosed, StateReset, StateIdle:
		return
	}
	if !c.ackDeadline.IsZero() && !now.Before(c.ackDeadline) {
		c.sendAck(now)
	}
	if !c.rtoDeadline.IsZero() && !now.Before(c.rtoDeadline) {
		c.onTimeout(now)
		if c.state == StateClosed || c.state == StateReset {
			return
		}
	}
	if c.state == StateConnected {
		if c.config.KeepaliveInterval > 0 && now.Sub(c.lastSend) >= c.config.KeepaliveInterval {
			c.sendKeepalive(now)
		}
	}
	c.flush(now)
}

// onTimeout handles an expired retransmission deadline: back off the
// timer, collapse the congestion window and resend the oldest packet.
func (c *Conn) onTimeout(now time.Time) {
	c.retransmits++
	limit := c.config.NumResends
	switch c.state {
	case StateSynSent:
		limit = c.config.SynResends
	case StateFinSent:
		limit = c.config.FinResends
	}
	if c.retransmits > limit {
		switch c.state {
		case StateSynSent:
			c.teardown(StateReset, errConnectTimeout, now)
		case StateFinSent:
			// Delivery already completed; report a plain close.
			c.teardown(StateClosed, nil, now)
		default:
			c.teardown(StateReset, errTimeout, now)
		}
		return
	}
	c.rto *= 2
	if c.rto > maxTimeout {
		c.rto = maxTimeout
	}
	c.rtoDeadline = now.Add(c.rto)
	c.cc.collapseWindow()
	for _, sp := range c.flight {
		if !sp.acked {
			sp.needResend = true
		}
	}
	if sp := c.firstUnacked(); sp != nil {
		c.resendPacket(sp, now)
	}
}

// Path MTU search. Probes are regular data segments of the candidate
// size, so they are only cut when enough data is queued.

// probeCandidate returns the size of the next path MTU probe, or 0
// when no probe is due.
func (c *Conn) probeCandidate(now time.Time) int {
	if c.state != StateConnected {
		return 0
	}
	if c.mtuProbeOut || c.mtuCeiling-c.packetSize <= mtuSearchPrecision {
		return 0
	}
	if now.Before(c.nextProbeTime) {
		return 0
	}
	candidate := (c.packetSize + c.mtuCeiling + 1) / 2
	if limit := c.mgr.MTURestriction(); limit > 0 && candidate > limit {
		return 0
	}
	if c.sendBuf.len() < candidate-headerLen {
		return 0
	}
	return candidate
}

func (c *Conn) onProbeAcked(sp *sentPacket, now time.Time) {
	c.mtuProbeOut = false
	if sp.transmits != 1 {
		return
	}
	c.mtuProbeAcks++
	if c.mtuProbeAcks < c.config.MTUProbeSuccesses {
		// Allow the next probe of the same size immediately.
		c.nextProbeTime = now
		return
	}
	c.packetSize = c.mtuProbeSize
	c.mtuFloor = c.mtuProbeSize
	c.mtuProbeAcks = 0
	c.cc.setMaxDatagramSize(uint(c.packetSize))
	if e, ok := c.mgr.logEvent(now, logEventMTUUpdated); ok {
		e.addField("mtu", c.packetSize)
		c.mgr.submitLog(e)
	}
}

func (c *Conn) onProbeLost(now time.Time) {
	if !c.mtuProbeOut {
		return
	}
	c.mtuProbeOut = false
	if c.mtuProbeSize-1 > c.mtuFloor {
		c.mtuCeiling = c.mtuProbeSize - 1
	} else {
		c.mtuCeiling = c.mtuFloor
	}
	c.mtuProbeAcks = 0
}

// applyMTURestriction caps the connection-level MTU from the
// manager-wide restriction history.
func (c *Conn) applyMTURestriction(limit int) {
	if limit <= 0 {
		return
	}
	if c.mtuCeiling > limit {
		c.mtuCeiling = limit
	}
	if c.packetSize > limit {
		c.packetSize = limit
		c.cc.setMaxDatagramSize(uint(c.packetSize))
	}
	if c.mtuFloor > c.mtuCeiling {
		c.mtuFloor = c.mtuCeiling
	}
}

func (c *Conn) dropPacket(p *packet, trigger string, now time.Time) {
	if e, ok := c.mgr.logEvent(now, logEventPacketDropped); ok {
		logPacket(&e, p)
		e.addField("trigger", trigger)
		c.mgr.submitLog(e)
	}
}

func timeMicro(now time.Time) uint32 {
	return uint32(now.UnixNano() / 1000)
}

// byteRing is the outbound byte queue, a fixed-capacity ring buffer
// allocated on first use.
type byteRing struct {
	buf  []byte
	head int
	size int
	cap  int
}

func (r *byteRing) init(capacity int) {
	r.cap = capacity
}

func (r *byteRing) len() int {
	return r.size
}

func (r *byteRing) space() int {
	return r.cap - r.size
}

// push appends up to space() bytes from b, returning the count taken.
func (r *byteRing) push(b []byte) int {
	if r.buf == nil {
		r.buf = make([]byte, r.cap)
	}
	n := len(b)
	if s := r.space(); n > s {
		n = s
	}
	tail := (r.head + r.size) % r.cap
	m := copy(r.buf[tail:], b[:n])
	if m < n {
		copy(r.buf, b[m:n])
	}
	r.size += n
	return n
}

// pop removes up to len(b) bytes into b, returning the count moved.
func (r *byteRing) pop(b []byte) int {
	n := len(b)
	if n > r.size {
		n = r.size
	}
	m := copy(b[:n], r.buf[r.head:])
	if m < n {
		copy(b[m:n], r.buf)
	}
	r.head = (r.head + n) % r.cap
	r.size -= n
	if r.size == 0 {
		r.head = 0
	}
	return n
}

func (r *byteRing) reset() {
	r.head = 0
	r.size = 0
}
