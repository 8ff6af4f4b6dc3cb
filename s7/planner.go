package s7

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxSequence = 32767

	// Reply overhead for a read job: S7 header + function + item count.
	readReplyOverhead = 14
	// Request overhead for a read job: S7 header without data + function + count.
	readRequestOverhead = 12
	writeOverhead       = 14
)

// completion delivers the result of one tag to the caller waiting on it.
// It is resolved exactly once; later calls are ignored.
type completion struct {
	alias string
	ch    chan tagResult
	done  bool
}

type tagResult struct {
	value interface{}
	err   error
}

func newCompletion(alias string) *completion {
	return &completion{alias: alias, ch: make(chan tagResult, 1)}
}

func (c *completion) resolve(v interface{}) {
	if c.done {
		return
	}
	c.done = true
	c.ch <- tagResult{value: v}
}

func (c *completion) reject(err error) {
	if c.done {
		return
	}
	c.done = true
	c.ch <- tagResult{err: err}
}

// readTarget is one tag waiting for data from a read.
type readTarget struct {
	addr Address
	done *completion
}

// readGroup ties together the fragments of one logical read: a coalesced
// block that may have been split across several items or packets.
type readGroup struct {
	id       uint16
	offset   int
	length   int
	targets  []readTarget
	frags    []*readFragment
	finished bool
}

// readFragment is one S7ANY item of a read job.
type readFragment struct {
	addr    Address // first address of the block, used for area and codes
	offset  int
	length  int
	padded  int
	part    int
	parts   int
	group   *readGroup
	packet  *sentPacket
	data    []byte
	err     error
	arrived bool
}

func (f *readFragment) name() string {
	names := make([]string, len(f.group.targets))
	for i, t := range f.group.targets {
		names[i] = t.addr.Alias
	}
	return strings.Join(names, ",")
}

// writeItem is one tag to be written with its encoded memory image.
type writeItem struct {
	addr  Address
	value interface{}
	image []byte
	done  *completion
}

type writeGroup struct {
	id       uint16
	item     *writeItem
	frags    []*writeFragment
	finished bool
}

// writeFragment is one S7ANY item of a write job.
type writeFragment struct {
	addr    Address
	offset  int
	length  int
	padded  int
	data    []byte
	part    int
	parts   int
	group   *writeGroup
	packet  *sentPacket
	err     error
	arrived bool
}

func (f *writeFragment) name() string {
	return f.group.item.addr.Alias
}

// seqCounter hands out sequence numbers 1..32767, wrapping back to 1.
type seqCounter struct {
	last uint16
}

func (s *seqCounter) next() uint16 {
	s.last++
	if s.last > maxSequence {
		s.last = 1
	}
	return s.last
}

// nextFree skips numbers that inUse reports as still referenced.
func (s *seqCounter) nextFree(inUse func(uint16) bool) uint16 {
	for i := 0; i < maxSequence; i++ {
		n := s.next()
		if inUse == nil || !inUse(n) {
			return n
		}
	}
	return s.next()
}

// planner turns tag lists into packets that fit the negotiated PDU.
type planner struct {
	maxPDU   int
	maxGap   int
	optimize bool

	groupSeq   seqCounter
	groupInUse func(uint16) bool
}

// maxReadItemBytes is the largest data item a single read fragment may carry.
func maxReadItemBytes(pdu int) int {
	return 4 * ((pdu - 18) / 4)
}

// maxWriteItemBytes is the largest data item a single write fragment may carry.
func maxWriteItemBytes(pdu int) int {
	return 4 * ((pdu - 30) / 4)
}

// lessAddress orders addresses by area, DB, offset and bit, longest first.
func lessAddress(a, b *Address) bool {
	if a.AreaCode != b.AreaCode {
		return a.AreaCode < b.AreaCode
	}
	if a.Area == AreaDB && a.DBNumber != b.DBNumber {
		return a.DBNumber < b.DBNumber
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	if a.BitOffset != b.BitOffset {
		return a.BitOffset < b.BitOffset
	}
	return a.ByteLength > b.ByteLength
}

type readBlock struct {
	first   Address
	offset  int
	length  int
	targets []readTarget
}

// coalesce reports whether addr can join block without a new item.
func (p *planner) coalesce(block *readBlock, addr *Address, maxBytes int) bool {
	if !p.optimize || !addr.Area.Optimizable() {
		return false
	}
	if block.first.AreaCode != addr.AreaCode || block.first.DBNumber != addr.DBNumber {
		return false
	}
	if addr.Offset-block.offset+addr.ByteLength > maxBytes {
		return false
	}
	return addr.Offset-(block.offset+block.length) <= p.maxGap
}

// planReads sorts, coalesces, splits and packs targets into read packets.
func (p *planner) planReads(targets []readTarget) ([]*sentPacket, error) {
	if p.maxPDU <= readReplyOverhead+itemHeaderSize {
		return nil, fmt.Errorf("%w: PDU size %d too small", ErrPlanning, p.maxPDU)
	}
	sorted := make([]readTarget, len(targets))
	copy(sorted, targets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessAddress(&sorted[i].addr, &sorted[j].addr)
	})

	maxBytes := maxReadItemBytes(p.maxPDU)

	var blocks []*readBlock
	var cur *readBlock
	for _, t := range sorted {
		if cur != nil && p.coalesce(cur, &t.addr, maxBytes) {
			if end := t.addr.Offset - cur.offset + t.addr.ByteLength; end > cur.length {
				cur.length = end
			}
			cur.targets = append(cur.targets, t)
			continue
		}
		cur = &readBlock{first: t.addr, offset: t.addr.Offset, length: t.addr.ByteLength, targets: []readTarget{t}}
		blocks = append(blocks, cur)
	}

	var frags []*readFragment
	for _, b := range blocks {
		g := &readGroup{
			id:      p.groupSeq.nextFree(p.groupInUse),
			offset:  b.offset,
			length:  b.length,
			targets: b.targets,
		}
		parts := (b.length + maxBytes - 1) / maxBytes
		for j := 0; j < parts; j++ {
			length := min(maxBytes, b.length-j*maxBytes)
			f := &readFragment{
				addr:   b.first,
				offset: b.offset + j*maxBytes,
				length: length,
				padded: length + length%2,
				part:   j,
				parts:  parts,
				group:  g,
			}
			g.frags = append(g.frags, f)
			frags = append(frags, f)
		}
	}

	var packets []*sentPacket
	var pkt *sentPacket
	var replyLen, requestLen int
	for _, f := range frags {
		if pkt != nil && replyLen+f.padded+itemHeaderSize <= p.maxPDU && requestLen+itemSpecSize <= p.maxPDU {
			replyLen += f.padded + itemHeaderSize
			requestLen += itemSpecSize
			pkt.reads = append(pkt.reads, f)
			f.packet = pkt
			continue
		}
		replyLen = readReplyOverhead + f.padded + itemHeaderSize
		requestLen = readRequestOverhead + itemSpecSize
		if replyLen > p.maxPDU || requestLen > p.maxPDU {
			return nil, fmt.Errorf("%w: item of %d bytes does not fit PDU size %d", ErrPlanning, f.length, p.maxPDU)
		}
		pkt = &sentPacket{kind: packetRead, reads: []*readFragment{f}}
		f.packet = pkt
		packets = append(packets, pkt)
	}
	return packets, nil
}

// planWrites splits and packs write items into write packets.
// Writes are never coalesced.
func (p *planner) planWrites(items []*writeItem) ([]*sentPacket, error) {
	maxBytes := maxWriteItemBytes(p.maxPDU)
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: PDU size %d too small", ErrPlanning, p.maxPDU)
	}
	sorted := make([]*writeItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessAddress(&sorted[i].addr, &sorted[j].addr)
	})

	var frags []*writeFragment
	for _, it := range sorted {
		g := &writeGroup{id: p.groupSeq.nextFree(p.groupInUse), item: it}
		parts := max(1, (it.addr.ByteLength+maxBytes-1)/maxBytes)
		for j := 0; j < parts; j++ {
			start := j * maxBytes
			length := min(maxBytes, it.addr.ByteLength-start)
			data := it.image[start : start+length]
			if it.addr.singleBit() {
				data = []byte{it.image[0] >> it.addr.BitOffset & 1}
			}
			f := &writeFragment{
				addr:   it.addr,
				offset: it.addr.Offset + start,
				length: length,
				padded: length + length%2,
				data:   data,
				part:   j,
				parts:  parts,
				group:  g,
			}
			g.frags = append(g.frags, f)
			frags = append(frags, f)
		}
	}

	var packets []*sentPacket
	var pkt *sentPacket
	var size int
	for _, f := range frags {
		need := f.padded + itemSpecSize + itemHeaderSize
		if pkt != nil && size+need <= p.maxPDU {
			size += need
			pkt.writes = append(pkt.writes, f)
			f.packet = pkt
			continue
		}
		size = writeOverhead + need
		if size > p.maxPDU {
			return nil, fmt.Errorf("%w: item of %d bytes does not fit PDU size %d", ErrPlanning, f.length, p.maxPDU)
		}
		pkt = &sentPacket{kind: packetWrite, writes: []*writeFragment{f}}
		f.packet = pkt
		packets = append(packets, pkt)
	}
	return packets, nil
}
