package s7

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// ackFrame builds an AckData response telegram around a data section.
func ackFrame(fn byte, seq uint16, items int, data []byte) []byte {
	f := []byte{
		0x03, 0x00, 0x00, 0x00, // TPKT, length set below
		0x02, cotpDT, cotpEOT, // COTP DT
		s7ProtocolID, s7MsgAckData, 0x00, 0x00,
		byte(seq >> 8), byte(seq),
		0x00, 0x02, // Parameter length
		byte(len(data) >> 8), byte(len(data)),
		0x00, 0x00, // Error class/code
		fn, byte(items),
	}
	f = append(f, data...)
	binary.BigEndian.PutUint16(f[2:], uint16(len(f)))
	return f
}

// headerOnlyFrame builds an AckData that stops after the error class and
// code, as a PLC sends when it rejects the whole job.
func headerOnlyFrame(seq uint16, class, code byte) []byte {
	return []byte{
		0x03, 0x00, 0x00, 0x13,
		0x02, cotpDT, cotpEOT,
		s7ProtocolID, s7MsgAckData, 0x00, 0x00,
		byte(seq >> 8), byte(seq),
		0x00, 0x00,
		0x00, 0x00,
		class, code,
	}
}

// readItem builds one successful byte-transport data item.
func readItem(data []byte) []byte {
	b := []byte{dataItemSuccess, TransportByte, 0, 0}
	binary.BigEndian.PutUint16(b[2:], uint16(len(data)*8))
	return append(b, data...)
}

// readItems joins items with the padding a PLC puts between them.
func readItems(items ...[]byte) []byte {
	var out []byte
	for i, it := range items {
		out = append(out, it...)
		if i < len(items)-1 && len(it)%2 == 1 {
			out = append(out, 0x00)
		}
	}
	return out
}

func TestBuildConnectRequest(t *testing.T) {
	got := buildConnectRequest(0, 2, 0, 0, false)
	want := []byte{
		0x03, 0x00, 0x00, 0x16, 0x11, 0xE0, 0x00, 0x00, 0x00, 0x02, 0x00,
		0xC0, 0x01, 0x0A, 0xC1, 0x02, 0x01, 0x00, 0xC2, 0x02, 0x01, 0x02,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("buildConnectRequest(0, 2) = % X, want % X", got, want)
	}

	got = buildConnectRequest(1, 3, 0, 0, false)
	if got[21] != 35 {
		t.Errorf("rack 1 slot 3 byte 21 = %d, want 35", got[21])
	}

	got = buildConnectRequest(0, 0, 0x1000, 0x0301, true)
	if got[16] != 0x10 || got[17] != 0x00 || got[20] != 0x03 || got[21] != 0x01 {
		t.Errorf("TSAP request = % X", got)
	}
	if len(got) != 22 {
		t.Errorf("len = %d, want 22", len(got))
	}
}

func TestBuildNegotiateRequest(t *testing.T) {
	got := buildNegotiateRequest(8, 960)
	want := []byte{
		0x03, 0x00, 0x00, 0x19, 0x02, 0xF0, 0x80, 0x32, 0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x08, 0x00, 0x00, 0xF0, 0x00, 0x00, 0x08, 0x00, 0x08, 0x03, 0xC0,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("buildNegotiateRequest(8, 960) = % X, want % X", got, want)
	}
}

func TestCheckConnectConfirm(t *testing.T) {
	cc := []byte{
		0x03, 0x00, 0x00, 0x16, 0x11, 0xD0, 0x00, 0x01, 0x00, 0x02, 0x00,
		0xC0, 0x01, 0x0A, 0xC1, 0x02, 0x01, 0x00, 0xC2, 0x02, 0x01, 0x02,
	}
	if err := checkConnectConfirm(cc); err != nil {
		t.Errorf("checkConnectConfirm(valid) unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"wrong PDU type", func(b []byte) []byte { b[5] = 0xE0; return b }},
		{"wrong COTP length", func(b []byte) []byte { b[4] = 0x10; return b }},
		{"short", func(b []byte) []byte { b = b[:20]; b[3] = 20; return b }},
		{"TPKT mismatch", func(b []byte) []byte { b[3] = 0x17; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.mutate(append([]byte(nil), cc...))
			err := checkConnectConfirm(f)
			if !errors.Is(err, ErrProtocolFraming) {
				t.Errorf("checkConnectConfirm() = %v, want framing error", err)
			}
		})
	}
}

func negotiateReply(parallel1, parallel2, pdu int) []byte {
	f := []byte{
		0x03, 0x00, 0x00, 0x1B, 0x02, 0xF0, 0x80, 0x32, 0x03, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0xF0, 0x00,
		0, 0, 0, 0, 0, 0,
	}
	binary.BigEndian.PutUint16(f[21:], uint16(parallel1))
	binary.BigEndian.PutUint16(f[23:], uint16(parallel2))
	binary.BigEndian.PutUint16(f[25:], uint16(pdu))
	return f
}

func TestParseNegotiateResponse(t *testing.T) {
	n, err := parseNegotiateResponse(negotiateReply(3, 3, 240))
	if err != nil {
		t.Fatalf("parseNegotiateResponse unexpected error: %v", err)
	}
	if n.parallelCalling != 3 || n.parallelCalled != 3 || n.pduSize != 240 {
		t.Errorf("parseNegotiateResponse = %+v, want 3/3/240", n)
	}

	bad := negotiateReply(3, 3, 240)
	bad[14] = 0x09 // Parameter length no longer matches
	if _, err := parseNegotiateResponse(bad); !errors.Is(err, ErrProtocolFraming) {
		t.Errorf("inconsistent lengths: err = %v, want framing error", err)
	}

	rejected := negotiateReply(3, 3, 240)
	rejected[17] = 0x81
	rejected[18] = 0x04
	var s7err S7Error
	if _, err := parseNegotiateResponse(rejected); !errors.As(err, &s7err) {
		t.Errorf("error class: err = %v, want S7Error", err)
	}
}

func TestItemSpec(t *testing.T) {
	tests := []struct {
		addr    string
		intent  Intent
		length  int
		offset  int
		writing bool
		want    []byte
	}{
		{"DB1,REAL4", IntentRead, 4, 4, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x04, 0x00, 0x01, 0x84, 0x00, 0x00, 0x20}},
		{"DB300,INT0.10", IntentRead, 20, 0, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x14, 0x01, 0x2C, 0x84, 0x00, 0x00, 0x00}},
		{"MW10", IntentRead, 2, 10, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x02, 0x00, 0x00, 0x83, 0x00, 0x00, 0x50}},
		{"DB1,X2.5", IntentWrite, 1, 2, true,
			[]byte{0x12, 0x0A, 0x10, 0x01, 0x00, 0x01, 0x00, 0x01, 0x84, 0x00, 0x00, 0x15}},
		{"DB1,X2.5", IntentRead, 1, 2, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x01, 0x00, 0x01, 0x84, 0x00, 0x00, 0x10}},
		{"T3", IntentRead, 2, 3, false,
			[]byte{0x12, 0x0A, 0x10, 0x1D, 0x00, 0x01, 0x00, 0x00, 0x1D, 0x00, 0x00, 0x18}},
		{"C0.3", IntentRead, 6, 0, false,
			[]byte{0x12, 0x0A, 0x10, 0x1C, 0x00, 0x03, 0x00, 0x00, 0x1C, 0x00, 0x00, 0x00}},
		{"I4096.0", IntentRead, 1, 4096, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x01, 0x00, 0x00, 0x81, 0x00, 0x80, 0x00}},
		{"MW65534", IntentRead, 2, 65534, false,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x02, 0x00, 0x00, 0x83, 0x07, 0xFF, 0xF0}},
		{"DB65535,X65535.7", IntentWrite, 1, 65535, true,
			[]byte{0x12, 0x0A, 0x10, 0x01, 0x00, 0x01, 0xFF, 0xFF, 0x84, 0x07, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			addr := mustParse(t, tt.addr, tt.intent)
			got := itemSpec(addr, tt.length, tt.offset, tt.writing)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("itemSpec(%q) = % X, want % X", tt.addr, got, tt.want)
			}
		})
	}
}

func TestItemWriteData(t *testing.T) {
	bit := mustParse(t, "DB1,X0.3", IntentWrite)
	if got, want := itemWriteData(bit, []byte{1}), []byte{0x00, 0x03, 0x00, 0x01, 0x01}; !bytes.Equal(got, want) {
		t.Errorf("itemWriteData(bit) = % X, want % X", got, want)
	}

	word := mustParse(t, "DB1,INT0.2", IntentWrite)
	got := itemWriteData(word, []byte{0, 1, 0, 2})
	want := []byte{0x00, 0x04, 0x00, 0x20, 0, 1, 0, 2}
	if !bytes.Equal(got, want) {
		t.Errorf("itemWriteData(INT[2]) = % X, want % X", got, want)
	}
}

func TestBuildReadRequest(t *testing.T) {
	a := mustParse(t, "DB1,REAL0", IntentRead)
	b := mustParse(t, "MB7", IntentRead)
	frags := []*readFragment{
		{addr: *a, offset: 0, length: 4},
		{addr: *b, offset: 7, length: 1},
	}

	req := buildReadRequest(0x1234, frags)
	if len(req) != 19+24 {
		t.Fatalf("len = %d, want %d", len(req), 19+24)
	}
	if got := binary.BigEndian.Uint16(req[2:]); int(got) != len(req) {
		t.Errorf("TPKT length = %d, want %d", got, len(req))
	}
	if got := binary.BigEndian.Uint16(req[11:]); got != 0x1234 {
		t.Errorf("sequence = 0x%04X, want 0x1234", got)
	}
	if got := binary.BigEndian.Uint16(req[13:]); got != 26 {
		t.Errorf("parameter length = %d, want 26", got)
	}
	if req[17] != s7FuncRead || req[18] != 2 {
		t.Errorf("function/count = 0x%02X/%d, want 0x04/2", req[17], req[18])
	}
	if req[19+8] != 0x84 || req[31+8] != 0x83 {
		t.Errorf("area bytes = 0x%02X 0x%02X", req[19+8], req[31+8])
	}
}

func TestBuildWriteRequest(t *testing.T) {
	a := mustParse(t, "DB1,BYTE3", IntentWrite)
	b := mustParse(t, "DB1,X0.1", IntentWrite)
	frags := []*writeFragment{
		{addr: *a, offset: 3, length: 1, data: []byte{0xAA}},
		{addr: *b, offset: 0, length: 1, data: []byte{0x01}},
	}

	req := buildWriteRequest(7, frags)
	// 19 header + 2 items + (4+1+pad) + (4+1), no trailing pad
	wantLen := 19 + 24 + 6 + 5
	if len(req) != wantLen {
		t.Fatalf("len = %d, want %d", len(req), wantLen)
	}
	if got := binary.BigEndian.Uint16(req[2:]); int(got) != wantLen {
		t.Errorf("TPKT length = %d, want %d", got, wantLen)
	}
	if got := binary.BigEndian.Uint16(req[15:]); got != 11 {
		t.Errorf("data length = %d, want 11", got)
	}
	if req[17] != s7FuncWrite {
		t.Errorf("function = 0x%02X, want 0x05", req[17])
	}
	data := req[43:]
	want := []byte{0x00, 0x04, 0x00, 0x08, 0xAA, 0x00, 0x00, 0x03, 0x00, 0x01, 0x01}
	if !bytes.Equal(data, want) {
		t.Errorf("data section = % X, want % X", data, want)
	}
}

func TestScanTPKT(t *testing.T) {
	ack := []byte{0x03, 0x00, 0x00, 0x07, 0x02, 0xF0, 0x00}
	resp := ackFrame(s7FuncRead, 1, 1, readItem([]byte{1, 2}))

	stream := append(append([]byte(nil), ack...), resp...)
	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Split(scanTPKT)

	var frames [][]byte
	for sc.Scan() {
		frames = append(frames, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !isFastAck(frames[0]) {
		t.Errorf("first frame should be a fast ack: % X", frames[0])
	}
	if !bytes.Equal(frames[1], resp) {
		t.Errorf("second frame = % X, want % X", frames[1], resp)
	}

	// Partial telegrams wait for more data
	adv, tok, err := scanTPKT(resp[:10], false)
	if adv != 0 || tok != nil || err != nil {
		t.Errorf("partial: got (%d, %v, %v), want (0, nil, nil)", adv, tok, err)
	}

	// Truncated at EOF is a framing error
	if _, _, err := scanTPKT(resp[:10], true); !errors.Is(err, ErrProtocolFraming) {
		t.Errorf("truncated: err = %v, want framing error", err)
	}

	// Bad version
	if _, _, err := scanTPKT([]byte{0x04, 0, 0, 7, 2, 0xF0, 0}, false); !errors.Is(err, ErrProtocolFraming) {
		t.Errorf("bad version: err = %v, want framing error", err)
	}
}

func TestCheckDataFrame(t *testing.T) {
	good := ackFrame(s7FuncRead, 1, 1, readItem([]byte{1, 2}))
	if err := checkDataFrame(good, 960); err != nil {
		t.Fatalf("checkDataFrame(valid) unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		pdu    int
	}{
		{"wrong protocol", func(b []byte) []byte { b[7] = 0x72; return b }, 960},
		{"job instead of ack", func(b []byte) []byte { b[8] = 0x02; return b }, 960},
		{"not DT", func(b []byte) []byte { b[5] = 0xD0; return b }, 960},
		{"fragmented", func(b []byte) []byte { b[6] = 0x00; return b }, 960},
		{"data length", func(b []byte) []byte { b[16]++; return b }, 960},
		{"param length", func(b []byte) []byte { b[14]++; return b }, 960},
		{"too short", func(b []byte) []byte { return b[:20] }, 960},
		{"shorter than header", func(b []byte) []byte { return headerOnlyFrame(1, 0x81, 0x04)[:18] }, 960},
		{"bare header without error", func(b []byte) []byte { return headerOnlyFrame(1, 0, 0) }, 960},
		{"exceeds PDU", func(b []byte) []byte { return b }, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.mutate(append([]byte(nil), good...))
			if err := checkDataFrame(f, tt.pdu); !errors.Is(err, ErrProtocolFraming) {
				t.Errorf("checkDataFrame() = %v, want framing error", err)
			}
		})
	}

	bare := headerOnlyFrame(1, 0x81, 0x04)
	if err := checkDataFrame(bare, 960); err != nil {
		t.Errorf("checkDataFrame(%d-byte error reply) unexpected error: %v", len(bare), err)
	}
}

func testFragments(t *testing.T, specs ...string) []*readFragment {
	t.Helper()
	var frags []*readFragment
	for _, s := range specs {
		addr := mustParse(t, s, IntentRead)
		g := &readGroup{targets: []readTarget{{addr: *addr}}}
		f := &readFragment{addr: *addr, offset: addr.Offset, length: addr.ByteLength, group: g}
		g.frags = []*readFragment{f}
		frags = append(frags, f)
	}
	return frags
}

func TestParseReadItems(t *testing.T) {
	frags := testFragments(t, "MB0", "DB1,INT0", "DB2,REAL0")
	f := ackFrame(s7FuncRead, 1, 3, readItems(
		readItem([]byte{0x11}),
		readItem([]byte{0x00, 0x05}),
		readItem([]byte{0x3F, 0x80, 0, 0}),
	))

	res := parseReadItems(f, frags)
	want := [][]byte{{0x11}, {0x00, 0x05}, {0x3F, 0x80, 0, 0}}
	for i := range want {
		if res[i].err != nil {
			t.Errorf("item %d unexpected error: %v", i, res[i].err)
			continue
		}
		if !bytes.Equal(res[i].data, want[i]) {
			t.Errorf("item %d = % X, want % X", i, res[i].data, want[i])
		}
	}
}

func TestParseReadItemsErrors(t *testing.T) {
	t.Run("return code", func(t *testing.T) {
		frags := testFragments(t, "DB9,INT0", "MB0")
		f := ackFrame(s7FuncRead, 1, 2, readItems(
			[]byte{dataItemNotExist, 0x00, 0x00, 0x00},
			readItem([]byte{0x42}),
		))
		res := parseReadItems(f, frags)
		var re *ResponseError
		if !errors.As(res[0].err, &re) || re.Code != dataItemNotExist {
			t.Errorf("item 0 err = %v, want ResponseError code 0x0A", res[0].err)
		}
		if res[1].err != nil || !bytes.Equal(res[1].data, []byte{0x42}) {
			t.Errorf("item 1 = (% X, %v), want (42, nil)", res[1].data, res[1].err)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		frags := testFragments(t, "DB1,REAL0")
		f := ackFrame(s7FuncRead, 1, 1, readItem([]byte{1, 2}))
		res := parseReadItems(f, frags)
		if !errors.Is(res[0].err, ErrResponseSemantic) {
			t.Errorf("err = %v, want response error", res[0].err)
		}
	})

	t.Run("transport mismatch", func(t *testing.T) {
		frags := testFragments(t, "MB0")
		item := readItem([]byte{1})
		item[1] = 0x09
		item[3] = 0x01
		res := parseReadItems(ackFrame(s7FuncRead, 1, 1, item), frags)
		if !errors.Is(res[0].err, ErrResponseSemantic) {
			t.Errorf("err = %v, want response error", res[0].err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		frags := testFragments(t, "MB0", "MB2", "MB4")
		f := ackFrame(s7FuncRead, 1, 3, readItems(readItem([]byte{1}), []byte{0xFF, 0x04}))
		res := parseReadItems(f, frags)
		if res[0].err != nil {
			t.Errorf("item 0 unexpected error: %v", res[0].err)
		}
		for i := 1; i < 3; i++ {
			if !errors.Is(res[i].err, ErrResponseSemantic) {
				t.Errorf("item %d err = %v, want malformed packet", i, res[i].err)
			}
		}
	})

	t.Run("header error", func(t *testing.T) {
		frags := testFragments(t, "MB0")
		f := ackFrame(s7FuncRead, 1, 0, nil)
		f[17] = 0x85
		res := parseReadItems(f, frags)
		if !errors.Is(res[0].err, ErrResponseSemantic) {
			t.Errorf("err = %v, want response error", res[0].err)
		}
	})
}

func TestParseWriteItems(t *testing.T) {
	item := &writeItem{addr: *mustParse(t, "MB0", IntentWrite)}
	g := &writeGroup{item: item}
	frags := []*writeFragment{{group: g}, {group: g}, {group: g}}

	res := parseWriteItems(ackFrame(s7FuncWrite, 1, 3, []byte{0xFF, 0x05}), frags)
	if res[0].err != nil {
		t.Errorf("item 0 unexpected error: %v", res[0].err)
	}
	var re *ResponseError
	if !errors.As(res[1].err, &re) || re.Code != 0x05 {
		t.Errorf("item 1 err = %v, want code 0x05", res[1].err)
	}
	if !errors.Is(res[2].err, ErrResponseSemantic) {
		t.Errorf("item 2 err = %v, want malformed packet", res[2].err)
	}
}
