package transport

import (
	"encoding/binary"
	"net/netip"
	"time"
)

const (
	// Rotating history sizes for externally observed MTU limits and
	// for endpoints already answered with a reset.
	mtuHistoryLen = 8
	rstInfoLen    = 8
)

// SendFunc transmits one datagram to the given endpoint. It is the
// external UDP primitive; failures are treated as transient loss.
type SendFunc func(addr netip.AddrPort, b []byte) error

type connKey struct {
	addr netip.AddrPort
	id   uint16 // receive connection id
}

type rstInfo struct {
	addr netip.AddrPort
	id   uint16
	seq  uint16
}

// Manager owns the shared UDP endpoint abstraction: it routes inbound
// datagrams to connections by (endpoint, connection id), paces
// outbound datagrams, and drives all timers from Tick. A Manager and
// its connections must be used from a single goroutine.
type Manager struct {
	config *Config
	sendFn SendFunc
	pool   *bufferPool

	conns  []*Conn // arena; nil entries are free slots
	lookup map[connKey]int
	frees  []int

	events   []Event
	loggerFn func(LogEvent)

	// Externally observed path MTU limits, most recent last.
	mtuHistory [mtuHistoryLen]int
	mtuIdx     int

	// Endpoints recently answered with a reset, to avoid reset loops.
	rstSent [rstInfoLen]rstInfo
	rstIdx  int

	tickStart int // rotating start index for fair interleave
	lastDecay time.Time

	// Clock of the most recent Recv or Tick, used by connection entry
	// points that take no explicit time.
	now time.Time
}

// NewManager creates a Manager sending datagrams through sendFn.
func NewManager(config *Config, sendFn SendFunc) *Manager {
	if config == nil {
		config = NewConfig()
	}
	return &Manager{
		config: config,
		sendFn: sendFn,
		pool:   newBufferPool(config.PoolMemoryLimit, config.PoolDecayAge),
		lookup: map[connKey]int{},
	}
}

// SetLogger sets the diagnostics callback. The LogEvent data buffer is
// only valid during the call.
func (m *Manager) SetLogger(fn func(LogEvent)) {
	m.loggerFn = fn
}

// Connect opens a connection to the peer and sends the initial SYN.
func (m *Manager) Connect(addr netip.AddrPort, now time.Time) (*Conn, error) {
	m.now = now
	c := newConn(m, addr, now)
	id, err := m.pickConnID(addr)
	if err != nil {
		return nil, err
	}
	m.register(c, id)
	if err := c.connect(id, now); err != nil {
		m.remove(c, now)
		return nil, err
	}
	return c, nil
}

// pickConnID chooses a random receive id not yet used for the
// endpoint.
func (m *Manager) pickConnID(addr netip.AddrPort) (uint16, error) {
	var b [2]byte
	for i := 0; i < 64; i++ {
		if _, err := m.config.Rand.Read(b[:]); err != nil {
			return 0, newError(InternalError, "rand: %v", err)
		}
		id := binary.BigEndian.Uint16(b[:])
		if _, ok := m.lookup[connKey{addr, id}]; !ok {
			return id, nil
		}
	}
	return 0, newError(InternalError, "connection id space exhausted")
}

func (m *Manager) randSeq() uint16 {
	var b [2]byte
	m.config.Rand.Read(b[:])
	seq := binary.BigEndian.Uint16(b[:])
	if seq == 0 {
		seq = 1
	}
	return seq
}

func (m *Manager) register(c *Conn, id uint16) {
	var idx int
	if n := len(m.frees); n > 0 {
		idx = m.frees[n-1]
		m.frees = m.frees[:n-1]
		m.conns[idx] = c
	} else {
		idx = len(m.conns)
		m.conns = append(m.conns, c)
	}
	m.lookup[connKey{c.addr, id}] = idx
}

func (m *Manager) remove(c *Conn, now time.Time) {
	key := connKey{c.addr, c.recvID}
	idx, ok := m.lookup[key]
	if !ok || m.conns[idx] != c {
		return
	}
	delete(m.lookup, key)
	m.conns[idx] = nil
	m.frees = append(m.frees, idx)
	if c.err != nil {
		// Delivered data survives a graceful close until the
		// application drains it; an abort discards it.
		c.releaseReadable(now)
	}
}

// Recv processes one inbound datagram. Malformed or unroutable
// datagrams are dropped; a drop is never an error on a shared port.
func (m *Manager) Recv(b []byte, addr netip.AddrPort, now time.Time) {
	m.now = now
	var p packet
	if _, err := p.decode(b); err != nil {
		m.dropDatagram(addr, logTriggerHeaderParseError, now)
		return
	}
	if e, ok := m.logEvent(now, logEventPacketReceived); ok {
		logPacket(&e, &p)
		m.submitLog(e)
	}
	if c := m.route(addr, &p); c != nil {
		c.recvPacket(&p, now)
		if c.state == StateClosed || c.state == StateReset {
			m.remove(c, now)
		}
		return
	}
	if p.typ == packetSyn {
		m.acceptConn(addr, &p, now)
		return
	}
	m.dropDatagram(addr, logTriggerUnknownConnectionID, now)
	if p.typ != packetReset {
		m.maybeSendReset(addr, &p, now)
	}
}

// route finds the connection a packet belongs to. Resets carry the
// sender's receive id, so both directions are tried.
func (m *Manager) route(addr netip.AddrPort, p *packet) *Conn {
	if idx, ok := m.lookup[connKey{addr, p.connID}]; ok {
		return m.conns[idx]
	}
	switch p.typ {
	case packetReset:
		// A stale peer may echo our send id instead, one above the
		// receive id.
		if idx, ok := m.lookup[connKey{addr, p.connID - 1}]; ok {
			return m.conns[idx]
		}
	case packetSyn:
		// A retransmitted SYN carries the initiator's receive id;
		// the accepting side registered one above it.
		if idx, ok := m.lookup[connKey{addr, p.connID + 1}]; ok {
			return m.conns[idx]
		}
	}
	return nil
}

func (m *Manager) acceptConn(addr netip.AddrPort, p *packet, now time.Time) {
	c := newConn(m, addr, now)
	c.accept(p, m.randSeq(), now)
	m.register(c, c.recvID)
	m.addEvent(Event{Type: EventAccepted, Conn: c})
}

// maybeSendReset answers an unroutable non-SYN packet with a reset,
// remembering recent targets so a chatty stale peer gets one answer.
func (m *Manager) maybeSendReset(addr netip.AddrPort, p *packet, now time.Time) {
	for _, r := range m.rstSent {
		if r.addr == addr && r.id == p.connID && r.seq == p.seq {
			return
		}
	}
	m.rstSent[m.rstIdx] = rstInfo{addr: addr, id: p.connID, seq: p.seq}
	m.rstIdx = (m.rstIdx + 1) % rstInfoLen
	m.sendReset(addr, p.connID, m.randSeq(), p.seq, now)
}

func (m *Manager) sendReset(addr netip.AddrPort, connID, seq, ack uint16, now time.Time) {
	p := &packet{
		typ:       packetReset,
		connID:    connID,
		timestamp: timeMicro(now),
		seq:       seq,
		ack:       ack,
	}
	var b [headerLen]byte
	n, err := p.encode(b[:])
	if err != nil {
		return
	}
	m.transmitRaw(addr, b[:n], now)
}

// Tick drives all connection timers, reaps terminal connections and
// ages the buffer pool. Connections are visited from a rotating start
// index so none is structurally favored.
func (m *Manager) Tick(now time.Time) {
	m.now = now
	n := len(m.conns)
	if n > 0 {
		start := m.tickStart % n
		m.tickStart++
		for i := 0; i < n; i++ {
			c := m.conns[(start+i)%n]
			if c == nil {
				continue
			}
			limit := m.MTURestriction()
			if limit > 0 {
				c.applyMTURestriction(limit)
			}
			c.tick(now)
			if c.state == StateClosed || c.state == StateReset {
				m.remove(c, now)
			}
		}
	}
	if m.lastDecay.IsZero() || now.Sub(m.lastDecay) >= m.config.PoolDecayAge {
		m.pool.decay(now)
		m.lastDecay = now
	}
}

// Events appends accumulated events to the provided slice and clears
// the queue.
func (m *Manager) Events(events []Event) []Event {
	events = append(events, m.events...)
	for i := range m.events {
		m.events[i] = Event{}
	}
	m.events = m.events[:0]
	return events
}

func (m *Manager) addEvent(e Event) {
	m.events = append(m.events, e)
}

// RestrictMTU records an externally observed path limit, for example
// from an ICMP fragmentation-needed report. The lowest recent value
// caps the datagram size of every connection.
func (m *Manager) RestrictMTU(mtu int) {
	if mtu < MinPacketSize {
		mtu = MinPacketSize
	}
	m.mtuHistory[m.mtuIdx] = mtu
	m.mtuIdx = (m.mtuIdx + 1) % mtuHistoryLen
}

// MTURestriction returns the effective manager-wide MTU cap, or 0 when
// no restriction was recorded.
func (m *Manager) MTURestriction() int {
	min := 0
	for _, v := range m.mtuHistory {
		if v > 0 && (min == 0 || v < min) {
			min = v
		}
	}
	return min
}

// NumSockets returns the number of live connections.
func (m *Manager) NumSockets() int {
	return len(m.conns) - len(m.frees)
}

// Settings returns the configuration the Manager was created with.
func (m *Manager) Settings() Config {
	return *m.config
}

// Outstanding returns the number of pool buffers currently owned by
// in-flight packets or undelivered data.
func (m *Manager) Outstanding() int {
	return m.pool.outstanding()
}

// transmit sends a freshly encoded packet and logs it.
func (m *Manager) transmit(c *Conn, p *packet, b []byte, now time.Time) {
	if e, ok := m.logEvent(now, logEventPacketSent); ok {
		logPacket(&e, p)
		m.submitLog(e)
	}
	m.transmitRaw(c.addr, b, now)
}

// transmitRaw hands one datagram to the UDP primitive. Send failures
// are transient by contract; retransmission covers them.
func (m *Manager) transmitRaw(addr netip.AddrPort, b []byte, now time.Time) {
	if err := m.sendFn(addr, b); err != nil {
		debug("send %v: %v", addr, err)
	}
}

func (m *Manager) dropDatagram(addr netip.AddrPort, trigger string, now time.Time) {
	if e, ok := m.logEvent(now, logEventPacketDropped); ok {
		e.addField("addr", addr.String())
		e.addField("trigger", trigger)
		m.submitLog(e)
	}
}

func (m *Manager) logEvent(now time.Time, name string) (LogEvent, bool) {
	if m.loggerFn == nil {
		return LogEvent{}, false
	}
	return newLogEvent(now, name), true
}

func (m *Manager) submitLog(e LogEvent) {
	m.loggerFn(e)
}
