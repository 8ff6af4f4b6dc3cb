package s7

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeBehavior controls how the fake PLC answers.
type fakeBehavior struct {
	pdu       int
	parallel  int
	called    int  // parallel jobs granted as called party, 0 means parallel
	silentISO bool // never answer the connection request
	dropJobs  bool // never answer read/write jobs
	fastAck   bool // send a COTP fast ack in the same segment as every response
	split     bool // deliver every response in two segments
	corrupt   bool // break the length fields of job responses
	holdFor   int  // collect this many jobs, then answer them in reverse order
}

type memKey struct {
	area byte
	db   int
}

// fakePLC is a minimal S7 server on 127.0.0.1 backed by in-memory areas.
type fakePLC struct {
	ln net.Listener

	mu       sync.Mutex
	behavior fakeBehavior
	memory   map[memKey][]byte
	conns    []net.Conn
	accepts  int
	requests [][]byte // connection requests as received
	held     [][]byte
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakePLC{
		ln:       ln,
		behavior: fakeBehavior{pdu: 480, parallel: 3},
		memory:   make(map[memKey][]byte),
	}
	go f.serve()
	t.Cleanup(f.close)
	return f
}

func (f *fakePLC) addr() string {
	return f.ln.Addr().String()
}

func (f *fakePLC) configure(fn func(b *fakeBehavior)) {
	f.mu.Lock()
	fn(&f.behavior)
	f.mu.Unlock()
}

func (f *fakePLC) current() fakeBehavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.behavior
}

func (f *fakePLC) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fakePLC) connectRequests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.requests...)
}

// area returns the backing slice for an area, creating it on first use.
// Callers hold f.mu.
func (f *fakePLC) area(code byte, db int) []byte {
	k := memKey{code, db}
	m, ok := f.memory[k]
	if !ok {
		m = make([]byte, 4096)
		f.memory[k] = m
	}
	return m
}

func (f *fakePLC) set(code byte, db, offset int, data []byte) {
	f.mu.Lock()
	copy(f.area(code, db)[offset:], data)
	f.mu.Unlock()
}

func (f *fakePLC) get(code byte, db, offset, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	copy(out, f.area(code, db)[offset:])
	return out
}

func (f *fakePLC) close() {
	f.ln.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
}

// dropConnections closes every accepted connection.
func (f *fakePLC) dropConnections() {
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
}

func (f *fakePLC) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.accepts++
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakePLC) handle(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Split(scanTPKT)

	for sc.Scan() {
		frame := append([]byte(nil), sc.Bytes()...)
		b := f.current()

		switch {
		case frame[5] == cotpCR:
			f.mu.Lock()
			f.requests = append(f.requests, frame)
			f.mu.Unlock()
			if b.silentISO {
				continue
			}
			cc := append([]byte(nil), frame...)
			cc[5] = cotpCC
			conn.Write(cc)

		case len(frame) > 17 && frame[8] == s7MsgJob && frame[17] == s7FuncSetupComm:
			called := b.parallel
			if b.called > 0 {
				called = b.called
			}
			conn.Write(negotiateReply(b.parallel, called, b.pdu))

		case len(frame) > 18 && frame[8] == s7MsgJob:
			if b.dropJobs {
				continue
			}
			resp := f.answer(frame)
			if b.corrupt {
				resp[16]++
			}
			if b.holdFor > 0 {
				f.mu.Lock()
				f.held = append(f.held, resp)
				var batch [][]byte
				if len(f.held) >= b.holdFor {
					batch, f.held = f.held, nil
				}
				f.mu.Unlock()
				for i := len(batch) - 1; i >= 0; i-- {
					f.send(conn, batch[i], b)
				}
				continue
			}
			f.send(conn, resp, b)
		}
	}
}

func (f *fakePLC) send(conn net.Conn, resp []byte, b fakeBehavior) {
	if b.fastAck {
		resp = append([]byte{0x03, 0x00, 0x00, 0x07, 0x02, cotpDT, 0x00}, resp...)
	}
	if b.split {
		half := len(resp) / 2
		conn.Write(resp[:half])
		time.Sleep(10 * time.Millisecond)
		conn.Write(resp[half:])
		return
	}
	conn.Write(resp)
}

// answer executes a read or write job against memory.
func (f *fakePLC) answer(job []byte) []byte {
	seq := binary.BigEndian.Uint16(job[offSequence:])
	fn := job[17]
	count := int(job[18])

	type item struct {
		ts     byte
		n      int
		db     int
		area   byte
		offset int
		bit    int
	}
	items := make([]item, count)
	for i := range items {
		s := job[requestHeaderSize+i*itemSpecSize:]
		addr := binary.BigEndian.Uint32(s[8:]) & 0x00FFFFFF
		items[i] = item{
			ts:     s[3],
			n:      int(binary.BigEndian.Uint16(s[4:])),
			db:     int(binary.BigEndian.Uint16(s[6:])),
			area:   s[8],
			offset: int(addr >> 3),
			bit:    int(addr & 7),
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if fn == s7FuncRead {
		var data []byte
		for i, it := range items {
			n, ts, bits := it.n, byte(TransportByte), it.n*8
			if it.area == areaTM || it.area == areaCT {
				n, ts = it.n*2, TransportTimerCounter
				bits = n
			}
			entry := []byte{dataItemSuccess, ts, byte(bits >> 8), byte(bits)}
			entry = append(entry, f.area(it.area, it.db)[it.offset:it.offset+n]...)
			data = append(data, entry...)
			if i < len(items)-1 && n%2 == 1 {
				data = append(data, 0x00)
			}
		}
		return ackFrame(s7FuncRead, seq, count, data)
	}

	p := requestHeaderSize + count*itemSpecSize
	codes := make([]byte, count)
	for i, it := range items {
		ts := job[p+1]
		bitLen := int(binary.BigEndian.Uint16(job[p+2:]))
		mem := f.area(it.area, it.db)
		n := bitLen / 8
		if ts == TransportBit {
			n = 1
			if job[p+4]&1 == 1 {
				mem[it.offset] |= 1 << it.bit
			} else {
				mem[it.offset] &^= 1 << it.bit
			}
		} else {
			copy(mem[it.offset:], job[p+4:p+4+n])
		}
		codes[i] = dataItemSuccess
		p += itemHeaderSize + n
		if i < count-1 && n%2 == 1 {
			p++
		}
	}
	return ackFrame(s7FuncWrite, seq, count, codes)
}
