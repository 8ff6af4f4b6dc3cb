package s7

import (
	"fmt"
	"time"

	"s7link/logging"
)

type packetKind int

const (
	packetRead packetKind = iota
	packetWrite
)

func (k packetKind) String() string {
	if k == packetWrite {
		return "write"
	}
	return "read"
}

// sentPacket is one planned job. It sits in the queue until a parallel
// slot frees up, then in the tracking table until its response arrives.
type sentPacket struct {
	seq      uint16
	kind     packetKind
	reads    []*readFragment
	writes   []*writeFragment
	sentAt   time.Time
	timer    *time.Timer
	sent     bool
	received bool
}

// encode returns the job telegram for the packet's current sequence number.
func (p *sentPacket) encode() []byte {
	if p.kind == packetWrite {
		return buildWriteRequest(p.seq, p.writes)
	}
	return buildReadRequest(p.seq, p.reads)
}

// finished reports whether every logical request carried by p is resolved.
func (p *sentPacket) finished() bool {
	for _, f := range p.reads {
		if !f.group.finished {
			return false
		}
	}
	for _, f := range p.writes {
		if !f.group.finished {
			return false
		}
	}
	return true
}

// packetSender puts an encoded packet on the wire and arms its timeout.
type packetSender interface {
	sendPacket(p *sentPacket) error
}

// tracker owns the in-flight tables and the send queue. It is only touched
// from the client's run loop.
type tracker struct {
	name        string
	maxParallel int
	inflight    int
	reads       map[uint16]*sentPacket
	writes      map[uint16]*sentPacket
	queue       []*sentPacket
	seq         seqCounter
	sender      packetSender
}

func newTracker(name string, maxParallel int, sender packetSender) *tracker {
	return &tracker{
		name:        name,
		maxParallel: maxParallel,
		reads:       make(map[uint16]*sentPacket),
		writes:      make(map[uint16]*sentPacket),
		sender:      sender,
	}
}

// inUse reports whether seq still belongs to an unresolved packet.
func (t *tracker) inUse(seq uint16) bool {
	_, r := t.reads[seq]
	_, w := t.writes[seq]
	return r || w
}

// groupInUse reports whether a logical request id is still outstanding.
func (t *tracker) groupInUse(id uint16) bool {
	check := func(p *sentPacket) bool {
		for _, f := range p.reads {
			if f.group.id == id && !f.group.finished {
				return true
			}
		}
		for _, f := range p.writes {
			if f.group.id == id && !f.group.finished {
				return true
			}
		}
		return false
	}
	for _, p := range t.reads {
		if check(p) {
			return true
		}
	}
	for _, p := range t.writes {
		if check(p) {
			return true
		}
	}
	for _, p := range t.queue {
		if check(p) {
			return true
		}
	}
	return false
}

// pending returns the number of packets queued or awaiting a response.
func (t *tracker) pending() int {
	return len(t.queue) + t.inflight
}

func (t *tracker) table(kind packetKind) map[uint16]*sentPacket {
	if kind == packetWrite {
		return t.writes
	}
	return t.reads
}

// submit transmits packets while parallel slots are free and queues the rest.
func (t *tracker) submit(packets []*sentPacket) error {
	t.queue = append(t.queue, packets...)
	return t.drain()
}

func (t *tracker) drain() error {
	for t.inflight < t.maxParallel && len(t.queue) > 0 {
		p := t.queue[0]
		t.queue = t.queue[1:]
		if err := t.transmit(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) transmit(p *sentPacket) error {
	p.seq = t.seq.nextFree(t.inUse)
	p.sent = true
	p.sentAt = time.Now()
	t.table(p.kind)[p.seq] = p
	t.inflight++
	logging.DebugLog("S7", "%s: send %s seq %d (%d items, %d in flight)", t.name, p.kind, p.seq, len(p.reads)+len(p.writes), t.inflight)
	return t.sender.sendPacket(p)
}

// handleResponse routes a validated data telegram to its packet.
// Unknown sequence numbers and duplicates are dropped.
func (t *tracker) handleResponse(f []byte) error {
	seq := responseSequence(f)
	var kind packetKind
	switch {
	case len(f) <= offFunction:
		// Header-only error reply; sequence numbers are unique across both tables.
		if _, ok := t.writes[seq]; ok {
			kind = packetWrite
		}
	case f[offFunction] == s7FuncRead:
		kind = packetRead
	case f[offFunction] == s7FuncWrite:
		kind = packetWrite
	default:
		return framingErrorf("unknown response function 0x%02X", f[offFunction])
	}

	p, ok := t.table(kind)[seq]
	if !ok {
		logging.DebugLog("S7", "%s: dropping %s response for unknown seq %d", t.name, kind, seq)
		return nil
	}
	if p.received {
		logging.DebugLog("S7", "%s: dropping duplicate %s response for seq %d", t.name, kind, seq)
		return nil
	}
	t.complete(p, f)
	return t.drain()
}

// timeout fails the packet with seq. It returns false when the packet
// already completed. The queue is left alone: the caller tears the
// connection down and rejectAll fails whatever is still queued.
func (t *tracker) timeout(kind packetKind, seq uint16) bool {
	p, ok := t.table(kind)[seq]
	if !ok || p.received {
		return false
	}
	logging.DebugLog("S7", "%s: %s seq %d timed out after %v", t.name, kind, seq, time.Since(p.sentAt))
	t.complete(p, nil)
	return true
}

// complete records the response (nil on timeout), resolves every logical
// request that is now whole and frees the packet's slot.
func (t *tracker) complete(p *sentPacket, f []byte) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.received = true
	t.inflight--

	timeoutErr := &TimeoutError{Op: fmt.Sprintf("%s seq %d", p.kind, p.seq)}

	if p.kind == packetRead {
		var results []itemResult
		if f != nil {
			results = parseReadItems(f, p.reads)
		}
		for i, fr := range p.reads {
			fr.arrived = true
			if f == nil {
				fr.err = timeoutErr
				continue
			}
			fr.data, fr.err = results[i].data, results[i].err
		}
		for _, fr := range p.reads {
			t.finishRead(fr.group)
		}
	} else {
		var results []itemResult
		if f != nil {
			results = parseWriteItems(f, p.writes)
		}
		for i, fr := range p.writes {
			fr.arrived = true
			if f == nil {
				fr.err = timeoutErr
				continue
			}
			fr.err = results[i].err
		}
		for _, fr := range p.writes {
			t.finishWrite(fr.group)
		}
	}

	t.purge(p)
}

// purge drops received packets whose logical requests are all resolved.
func (t *tracker) purge(p *sentPacket) {
	var related []*sentPacket
	for _, f := range p.reads {
		for _, gf := range f.group.frags {
			related = append(related, gf.packet)
		}
	}
	for _, f := range p.writes {
		for _, gf := range f.group.frags {
			related = append(related, gf.packet)
		}
	}
	for _, rp := range related {
		if rp.received && rp.finished() {
			delete(t.table(rp.kind), rp.seq)
		}
	}
}

// finishRead reassembles a logical read once every fragment has arrived
// and decodes each target from the block.
func (t *tracker) finishRead(g *readGroup) {
	if g.finished {
		return
	}
	for _, f := range g.frags {
		if !f.arrived {
			return
		}
	}
	g.finished = true

	for _, f := range g.frags {
		if f.err != nil {
			for _, tg := range g.targets {
				tg.done.reject(f.err)
			}
			return
		}
	}

	block := g.frags[0].data
	if len(g.frags) > 1 {
		block = make([]byte, g.length)
		for _, f := range g.frags {
			copy(block[f.offset-g.offset:], f.data)
		}
	}

	for _, tg := range g.targets {
		rel := tg.addr.Offset - g.offset
		if rel < 0 || rel+tg.addr.ByteLength > len(block) {
			tg.done.reject(&ResponseError{Tag: tg.addr.Alias, Reason: "response shorter than requested block"})
			continue
		}
		v, err := DecodeValue(&tg.addr, block[rel:rel+tg.addr.ByteLength])
		if err != nil {
			tg.done.reject(&ResponseError{Tag: tg.addr.Alias, Reason: err.Error()})
			continue
		}
		tg.done.resolve(v)
	}
}

// finishWrite resolves a logical write once every fragment was acknowledged.
func (t *tracker) finishWrite(g *writeGroup) {
	if g.finished {
		return
	}
	for _, f := range g.frags {
		if !f.arrived {
			return
		}
	}
	g.finished = true

	for _, f := range g.frags {
		if f.err != nil {
			g.item.done.reject(f.err)
			return
		}
	}
	g.item.done.resolve(g.item.value)
}

// rejectAll fails everything queued or in flight with err and resets the
// tables. Used when the connection goes away.
func (t *tracker) rejectAll(err error) {
	fail := func(p *sentPacket) {
		if p.timer != nil {
			p.timer.Stop()
		}
		for _, f := range p.reads {
			f.group.finished = true
			for _, tg := range f.group.targets {
				tg.done.reject(err)
			}
		}
		for _, f := range p.writes {
			f.group.finished = true
			f.group.item.done.reject(err)
		}
	}
	for _, p := range t.reads {
		fail(p)
	}
	for _, p := range t.writes {
		fail(p)
	}
	for _, p := range t.queue {
		fail(p)
	}
	t.reads = make(map[uint16]*sentPacket)
	t.writes = make(map[uint16]*sentPacket)
	t.queue = nil
	t.inflight = 0
}
