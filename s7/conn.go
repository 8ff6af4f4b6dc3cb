package s7

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"s7link/logging"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateTCPConnected
	StateISOConnected
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTCPConnected:
		return "tcp-connected"
	case StateISOConnected:
		return "iso-connected"
	case StateOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// canTransition allows one step forward or a drop back to Disconnected.
func (s State) canTransition(to State) bool {
	return to == StateDisconnected || to == s+1
}

const reconnectBackoff = 2 * time.Second

// Run loop events. Everything carrying gen is dropped when gen no longer
// matches the current connection attempt.
type (
	dialResult struct {
		gen  uint64
		conn net.Conn
		err  error
	}
	frameEvent struct {
		gen   uint64
		frame []byte
	}
	streamEvent struct {
		gen uint64
		err error
	}
	handshakeTimeout struct {
		gen   uint64
		state State
	}
	packetTimeout struct {
		gen  uint64
		kind packetKind
		seq  uint16
	}
	reconnectEvent struct{}
)

// API commands handled by the run loop.
type (
	connectCmd struct{}
	waitCmd    struct{ ch chan struct{} }
	readCmd    struct {
		targets []readTarget
		reply   chan error
	}
	writeCmd struct {
		items []*writeItem
		reply chan error
	}
	closeCmd struct{ done chan struct{} }
)

// machine is the connection state machine. All of its fields are owned by
// the run loop goroutine.
type machine struct {
	c        *Client
	state    State
	gen      uint64
	conn     net.Conn
	dialing  bool
	retrying bool
	closed   bool

	pduSize  int
	parallel int
	tracker  *tracker
	planner  *planner

	hsTimer    *time.Timer
	retryTimer *time.Timer
	waiters    []chan struct{}
}

func newMachine(c *Client) *machine {
	m := &machine{
		c:        c,
		pduSize:  c.opts.maxPDU,
		parallel: c.opts.maxParallel,
	}
	m.tracker = newTracker(c.opts.name, m.parallel, m)
	m.planner = &planner{
		maxPDU:     m.pduSize,
		maxGap:     c.opts.maxGap,
		optimize:   c.opts.optimize,
		groupInUse: m.tracker.groupInUse,
	}
	return m
}

func (m *machine) run() {
	defer close(m.c.quit)
	for ev := range m.c.in {
		if m.handle(ev) {
			return
		}
	}
}

// handle processes one event and reports whether the loop should stop.
func (m *machine) handle(ev interface{}) bool {
	switch e := ev.(type) {
	case connectCmd:
		if !m.closed && m.state == StateDisconnected && !m.dialing && !m.retrying {
			m.connect()
		}
	case waitCmd:
		if m.state == StateOperational {
			close(e.ch)
		} else {
			m.waiters = append(m.waiters, e.ch)
		}
	case readCmd:
		e.reply <- m.submitReads(e.targets)
	case writeCmd:
		e.reply <- m.submitWrites(e.items)
	case closeCmd:
		m.shutdown()
		close(e.done)
		return true

	case dialResult:
		m.onDial(e)
	case frameEvent:
		if e.gen == m.gen {
			m.onFrame(e.frame)
		}
	case streamEvent:
		if e.gen != m.gen {
			return false
		}
		reason := e.err
		if !errors.Is(reason, ErrProtocolFraming) {
			reason = &TransportError{Op: "read", Err: e.err}
		}
		m.fail(reason)
	case handshakeTimeout:
		if e.gen != m.gen || e.state != m.state {
			return false
		}
		op := "ISO connect"
		if e.state == StateISOConnected {
			op = "PDU negotiation"
		}
		err := &TimeoutError{Op: op}
		m.emit(Event{Type: EventConnectTimeout, Reason: err.Error(), Err: err})
		m.fail(err)
	case packetTimeout:
		if e.gen != m.gen {
			return false
		}
		if !m.tracker.timeout(e.kind, e.seq) {
			return false
		}
		m.fail(&TimeoutError{Op: fmt.Sprintf("%s seq %d", e.kind, e.seq)})
	case reconnectEvent:
		m.retrying = false
		if !m.closed && m.state == StateDisconnected && !m.dialing {
			m.connect()
		}
	}
	return false
}

func (m *machine) setState(s State) {
	if s == m.state {
		return
	}
	if !m.state.canTransition(s) {
		logging.DebugLog("S7", "%s: invalid state transition %s -> %s", m.c.opts.name, m.state, s)
	}
	m.state = s
	m.c.state.Store(int32(s))
}

func (m *machine) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case m.c.events <- ev:
	default:
		logging.DebugLog("S7", "%s: event buffer full, dropping %s event", m.c.opts.name, ev.Type)
	}
}

// connect starts a new connection attempt in the background.
func (m *machine) connect() {
	m.gen++
	gen := m.gen
	m.dialing = true

	addr := m.c.address
	dialer := m.c.opts.dialer
	timeout := m.c.opts.connectTimeout
	logging.DebugConnect("S7", addr)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if !m.c.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *machine) onDial(e dialResult) {
	if e.gen != m.gen || m.closed {
		if e.conn != nil {
			e.conn.Close()
		}
		return
	}
	m.dialing = false

	if e.err != nil {
		logging.DebugConnectError("S7", m.c.address, e.err)
		var ne net.Error
		if errors.Is(e.err, context.DeadlineExceeded) || (errors.As(e.err, &ne) && ne.Timeout()) {
			m.emit(Event{Type: EventConnectTimeout, Reason: e.err.Error(), Err: e.err})
		}
		m.fail(&TransportError{Op: "dial " + m.c.address, Err: e.err})
		return
	}

	m.conn = e.conn
	m.setState(StateTCPConnected)
	go readFrames(e.conn, m.gen, m.c.post)

	o := m.c.opts
	cr := buildConnectRequest(o.rack, o.slot, o.localTSAP, o.remoteTSAP, o.useTSAP)
	if err := m.write(cr); err != nil {
		m.fail(&TransportError{Op: "send connection request", Err: err})
		return
	}
	m.armHandshake(o.requestTimeout)
}

func (m *machine) armHandshake(d time.Duration) {
	if m.hsTimer != nil {
		m.hsTimer.Stop()
	}
	ev := handshakeTimeout{gen: m.gen, state: m.state}
	m.hsTimer = time.AfterFunc(d, func() { m.c.post(ev) })
}

func (m *machine) stopHandshake() {
	if m.hsTimer != nil {
		m.hsTimer.Stop()
		m.hsTimer = nil
	}
}

func (m *machine) onFrame(f []byte) {
	if isFastAck(f) {
		return
	}

	switch m.state {
	case StateTCPConnected:
		if err := checkConnectConfirm(f); err != nil {
			m.fail(err)
			return
		}
		m.stopHandshake()
		m.setState(StateISOConnected)
		req := buildNegotiateRequest(m.c.opts.maxParallel, m.c.opts.maxPDU)
		if err := m.write(req); err != nil {
			m.fail(&TransportError{Op: "send setup communication", Err: err})
			return
		}
		m.armHandshake(m.c.opts.connectTimeout)

	case StateISOConnected:
		n, err := parseNegotiateResponse(f)
		if err != nil {
			m.fail(err)
			return
		}
		m.stopHandshake()
		m.negotiated(n)

	case StateOperational:
		if err := checkDataFrame(f, m.pduSize); err != nil {
			m.fail(err)
			return
		}
		if err := m.tracker.handleResponse(f); err != nil {
			m.fail(err)
		}
	}
}

// negotiated applies the granted limits and enters Operational.
func (m *machine) negotiated(n negotiation) {
	m.parallel = max(1, min(m.c.opts.maxParallel, n.parallelCalling, n.parallelCalled))
	m.pduSize = m.c.opts.maxPDU
	if n.pduSize > 0 {
		m.pduSize = min(m.c.opts.maxPDU, n.pduSize)
	}
	m.tracker.maxParallel = m.parallel
	m.planner.maxPDU = m.pduSize
	m.c.pduSize.Store(int32(m.pduSize))
	m.c.parallel.Store(int32(m.parallel))

	m.setState(StateOperational)
	details := fmt.Sprintf("PDU %d, parallel %d/%d", m.pduSize, n.parallelCalling, n.parallelCalled)
	logging.DebugConnectSuccess("S7", m.c.address, details)
	m.emit(Event{Type: EventConnected, Reason: details})

	for _, ch := range m.waiters {
		close(ch)
	}
	m.waiters = nil
}

func (m *machine) write(b []byte) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	return writeFrame(m.conn, b, m.c.opts.requestTimeout)
}

// sendPacket implements packetSender for the tracker.
func (m *machine) sendPacket(p *sentPacket) error {
	if err := m.write(p.encode()); err != nil {
		return &TransportError{Op: "send " + p.kind.String(), Err: err}
	}
	ev := packetTimeout{gen: m.gen, kind: p.kind, seq: p.seq}
	p.timer = time.AfterFunc(m.c.opts.requestTimeout, func() { m.c.post(ev) })
	return nil
}

func (m *machine) submitReads(targets []readTarget) error {
	if m.state != StateOperational {
		return ErrNotConnected
	}
	packets, err := m.planner.planReads(targets)
	if err != nil {
		return err
	}
	if err := m.tracker.submit(packets); err != nil {
		m.fail(err)
	}
	return nil
}

func (m *machine) submitWrites(items []*writeItem) error {
	if m.state != StateOperational {
		return ErrNotConnected
	}
	packets, err := m.planner.planWrites(items)
	if err != nil {
		return err
	}
	if err := m.tracker.submit(packets); err != nil {
		m.fail(err)
	}
	return nil
}

// teardown closes the stream, invalidates pending events and rejects
// every outstanding request with err.
func (m *machine) teardown(err error) State {
	prev := m.state
	m.gen++
	m.dialing = false
	m.stopHandshake()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.tracker.rejectAll(err)
	m.setState(StateDisconnected)
	return prev
}

// fail drops the connection after an error and schedules a reconnect.
func (m *machine) fail(reason error) {
	hadPending := m.tracker.pending() > 0
	prev := m.teardown(&TransportError{Op: "connection reset", Err: reason})

	logging.DebugDisconnect("S7", m.c.address, reason.Error())
	m.emit(Event{Type: EventError, Reason: reason.Error(), Err: reason})
	if prev != StateDisconnected {
		m.emit(Event{Type: EventDisconnected, Reason: reason.Error(), Err: reason})
	}

	if !m.c.opts.autoReconnect || m.closed || m.retrying {
		return
	}
	// A session lost while idle is retried at once; anything else backs off.
	delay := reconnectBackoff
	if prev == StateOperational && !hadPending && !errors.Is(reason, ErrTimeout) {
		delay = 0
	}
	m.retrying = true
	m.retryTimer = time.AfterFunc(delay, func() { m.c.post(reconnectEvent{}) })
}

func (m *machine) shutdown() {
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	prev := m.teardown(ErrClosed)
	if prev != StateDisconnected {
		m.emit(Event{Type: EventDisconnected, Reason: "closed", Err: ErrClosed})
	}
	logging.DebugDisconnect("S7", m.c.address, "closed")
}
