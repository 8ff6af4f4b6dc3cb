package s7

import (
	"errors"
	"strconv"
	"testing"
)

func targetsFor(t *testing.T, tags ...string) []readTarget {
	t.Helper()
	out := make([]readTarget, len(tags))
	for i, tag := range tags {
		out[i] = readTarget{addr: *mustParse(t, tag, IntentRead), done: newCompletion(tag)}
	}
	return out
}

func TestSeqCounterWraps(t *testing.T) {
	s := seqCounter{last: maxSequence - 1}
	if got := s.next(); got != maxSequence {
		t.Errorf("next() = %d, want %d", got, maxSequence)
	}
	if got := s.next(); got != 1 {
		t.Errorf("next() after wrap = %d, want 1", got)
	}

	used := map[uint16]bool{2: true, 3: true}
	if got := s.nextFree(func(n uint16) bool { return used[n] }); got != 4 {
		t.Errorf("nextFree() = %d, want 4", got)
	}
}

func TestMaxItemBytes(t *testing.T) {
	tests := []struct {
		pdu       int
		wantRead  int
		wantWrite int
	}{
		{960, 940, 928},
		{480, 460, 448},
		{240, 220, 208},
	}
	for _, tt := range tests {
		if got := maxReadItemBytes(tt.pdu); got != tt.wantRead {
			t.Errorf("maxReadItemBytes(%d) = %d, want %d", tt.pdu, got, tt.wantRead)
		}
		if got := maxWriteItemBytes(tt.pdu); got != tt.wantWrite {
			t.Errorf("maxWriteItemBytes(%d) = %d, want %d", tt.pdu, got, tt.wantWrite)
		}
	}
}

func TestPlanReadsCoalesce(t *testing.T) {
	p := &planner{maxPDU: 960, maxGap: 5, optimize: true}
	packets, err := p.planReads(targetsFor(t, "DB1,INT0", "DB1,REAL10", "DB1,INT4", "DB2,INT0", "MB3", "MB0"))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}

	frags := packets[0].reads
	// MB0+MB3, DB1 0..14, DB2 0..2 in area code order
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	if frags[0].addr.Area != AreaM || frags[0].offset != 0 || frags[0].length != 4 {
		t.Errorf("fragment 0 = %s %d+%d, want M 0+4", frags[0].addr.Area, frags[0].offset, frags[0].length)
	}
	if frags[1].addr.DBNumber != 1 || frags[1].offset != 0 || frags[1].length != 14 {
		t.Errorf("fragment 1 = DB%d %d+%d, want DB1 0+14", frags[1].addr.DBNumber, frags[1].offset, frags[1].length)
	}
	if len(frags[1].group.targets) != 3 {
		t.Errorf("fragment 1 carries %d targets, want 3", len(frags[1].group.targets))
	}
	if frags[2].addr.DBNumber != 2 {
		t.Errorf("fragment 2 DB = %d, want 2", frags[2].addr.DBNumber)
	}
}

func TestPlanReadsGap(t *testing.T) {
	p := &planner{maxPDU: 960, maxGap: 5, optimize: true}
	packets, err := p.planReads(targetsFor(t, "DB1,INT0", "DB1,INT8", "DB1,INT20"))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}
	frags := packets[0].reads
	// 0..2 and 8..10 are 6 apart, over the gap of 5
	if len(frags) != 3 {
		t.Errorf("got %d fragments, want 3", len(frags))
	}

	p.maxGap = 6
	packets, _ = p.planReads(targetsFor(t, "DB1,INT0", "DB1,INT8", "DB1,INT20"))
	if len(packets[0].reads) != 2 {
		t.Errorf("gap 6: got %d fragments, want 2", len(packets[0].reads))
	}
}

func TestPlanReadsNoOptimize(t *testing.T) {
	p := &planner{maxPDU: 960, maxGap: 10, optimize: false}
	packets, err := p.planReads(targetsFor(t, "DB1,INT0", "DB1,INT2", "MB0"))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}
	if len(packets[0].reads) != 3 {
		t.Errorf("got %d fragments, want 3", len(packets[0].reads))
	}
}

func TestPlanReadsNeverCoalescesTimersOrPeripherals(t *testing.T) {
	p := &planner{maxPDU: 960, maxGap: 10, optimize: true}
	packets, err := p.planReads(targetsFor(t, "T1", "T2", "PIW0", "PIW2"))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}
	if len(packets[0].reads) != 4 {
		t.Errorf("got %d fragments, want 4", len(packets[0].reads))
	}
}

func TestPlanReadsSplit(t *testing.T) {
	p := &planner{maxPDU: 240, maxGap: 10, optimize: true}
	packets, err := p.planReads(targetsFor(t, "DB1,B0.600"))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}
	// 600 bytes over items of 220: three fragments, one per packet
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	wantOff := []int{0, 220, 440}
	wantLen := []int{220, 220, 160}
	var group *readGroup
	for i, pkt := range packets {
		if len(pkt.reads) != 1 {
			t.Fatalf("packet %d has %d fragments, want 1", i, len(pkt.reads))
		}
		f := pkt.reads[0]
		if f.offset != wantOff[i] || f.length != wantLen[i] {
			t.Errorf("fragment %d = %d+%d, want %d+%d", i, f.offset, f.length, wantOff[i], wantLen[i])
		}
		if f.parts != 3 || f.part != i {
			t.Errorf("fragment %d part %d/%d, want %d/3", i, f.part, f.parts, i)
		}
		if group == nil {
			group = f.group
		} else if f.group != group {
			t.Errorf("fragment %d belongs to a different request", i)
		}
	}
}

func TestPlanReadsPacking(t *testing.T) {
	p := &planner{maxPDU: 240, maxGap: 0, optimize: false}

	tags := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		tags = append(tags, "DB1,DINT"+strconv.Itoa(i*8))
	}
	packets, err := p.planReads(targetsFor(t, tags...))
	if err != nil {
		t.Fatalf("planReads unexpected error: %v", err)
	}

	total := 0
	for i, pkt := range packets {
		reply, request := readReplyOverhead, readRequestOverhead
		for _, f := range pkt.reads {
			reply += f.padded + itemHeaderSize
			request += itemSpecSize
		}
		if reply > p.maxPDU || request > p.maxPDU {
			t.Errorf("packet %d: reply %d request %d exceed PDU %d", i, reply, request, p.maxPDU)
		}
		total += len(pkt.reads)
	}
	if total != 40 {
		t.Errorf("packed %d fragments, want 40", total)
	}
	// 12 bytes per request item: at most 19 items per packet
	if len(packets) != 3 {
		t.Errorf("got %d packets, want 3", len(packets))
	}
}

func TestPlanReadsPDUTooSmall(t *testing.T) {
	p := &planner{maxPDU: 16, maxGap: 0, optimize: true}
	_, err := p.planReads(targetsFor(t, "MB0"))
	if !errors.Is(err, ErrPlanning) {
		t.Errorf("planReads() err = %v, want ErrPlanning", err)
	}
}

func TestPlanWrites(t *testing.T) {
	p := &planner{maxPDU: 240, maxGap: 10, optimize: true}

	big := mustParse(t, "DB1,B0.500", IntentWrite)
	image := make([]byte, 500)
	for i := range image {
		image[i] = byte(i)
	}
	bit := mustParse(t, "DB2,X4.6", IntentWrite)

	items := []*writeItem{
		{addr: *big, image: image, done: newCompletion("big")},
		{addr: *bit, image: []byte{0x40}, done: newCompletion("bit")},
	}
	packets, err := p.planWrites(items)
	if err != nil {
		t.Fatalf("planWrites unexpected error: %v", err)
	}

	var frags []*writeFragment
	for _, pkt := range packets {
		size := writeOverhead
		for _, f := range pkt.writes {
			size += f.padded + itemSpecSize + itemHeaderSize
		}
		if size > p.maxPDU {
			t.Errorf("packet size %d exceeds PDU %d", size, p.maxPDU)
		}
		frags = append(frags, pkt.writes...)
	}

	// 500 bytes over items of 208: 208 + 208 + 84, then the bit
	if len(frags) != 4 {
		t.Fatalf("got %d fragments, want 4", len(frags))
	}
	if frags[0].offset != 0 || frags[1].offset != 208 || frags[2].offset != 416 || frags[2].length != 84 {
		t.Errorf("split offsets %d/%d/%d len %d", frags[0].offset, frags[1].offset, frags[2].offset, frags[2].length)
	}
	if frags[1].data[0] != 208 {
		t.Errorf("fragment 1 data starts with %d, want 208", frags[1].data[0])
	}
	if len(frags[3].data) != 1 || frags[3].data[0] != 1 {
		t.Errorf("bit fragment data = %v, want [1]", frags[3].data)
	}
	if frags[3].addr.Transport != TransportBit {
		t.Errorf("bit fragment transport = 0x%02X, want 0x03", frags[3].addr.Transport)
	}
}
