package s7

import (
	"encoding/binary"
)

const (
	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	// COTP PDU Types (ISO 8073)
	cotpCR = 0xE0 // Connection Request
	cotpCC = 0xD0 // Connection Confirm
	cotpDT = 0xF0 // Data Transfer

	// COTP DT flag: last data unit
	cotpEOT = 0x80

	s7ProtocolID = 0x32

	// Message Types
	s7MsgJob     = 0x01
	s7MsgAckData = 0x03

	// Functions
	s7FuncSetupComm = 0xF0
	s7FuncRead      = 0x04
	s7FuncWrite     = 0x05

	// Area Codes (for S7ANY addressing)
	areaPeripheral = 0x80 // Direct peripheral access
	areaPE         = 0x81 // Inputs
	areaPA         = 0x82 // Outputs
	areaMK         = 0x83 // Markers/Flags
	areaDB         = 0x84 // Data blocks
	areaCT         = 0x1C // Counters
	areaTM         = 0x1D // Timers

	// Transport sizes for S7ANY
	tsBIT  = 0x01
	tsBYTE = 0x02

	// S7ANY constants
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10

	// Fixed sizes of the job telegram
	requestHeaderSize = 19 // TPKT + COTP DT + S7 header + function + item count
	itemSpecSize      = 12
	itemHeaderSize    = 4 // return code, transport, length

	// First data item in an AckData response
	responseDataStart = 21

	// Frame offsets shared by all data telegrams
	offSequence     = 11
	offParamLength  = 13
	offDataLength   = 15
	offErrorClass   = 17
	offFunction     = 19
	ackHeaderLen    = 19 // AckData up to and including error class/code
	minDataFrameLen = 22

	// COTP fast acknowledgement: TPKT + "02 F0 00"
	fastAckLen = 7
)

// connectTemplate is the COTP connection request (CR).
// Byte 16-17 carry the local TSAP, byte 20-21 the remote TSAP.
var connectTemplate = [...]byte{
	0x03, 0x00, 0x00, 0x16, 0x11, 0xE0, 0x00, 0x00,
	0x00, 0x02, 0x00, 0xC0, 0x01, 0x0A, 0xC1, 0x02,
	0x01, 0x00, 0xC2, 0x02, 0x01, 0x02,
}

// negotiateTemplate is the S7 setup communication job.
// Parallel jobs go to byte 19-20 and 21-22, the PDU size to 23-24.
var negotiateTemplate = [...]byte{
	0x03, 0x00, 0x00, 0x19, 0x02, 0xF0, 0x80, 0x32,
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00,
	0x00, 0xF0, 0x00, 0x00, 0x08, 0x00, 0x08, 0x03,
	0xC0,
}

// requestHeaderTemplate is the first 19 bytes of every read/write job.
var requestHeaderTemplate = [...]byte{
	0x03, 0x00, 0x00, 0x1F, 0x02, 0xF0, 0x80, 0x32,
	0x01, 0x00, 0x00, 0x08, 0x00, 0x00, 0x0E, 0x00,
	0x00, 0x04, 0x01,
}

// buildConnectRequest returns the ISO connection request. With useTSAP the
// explicit TSAP pair is used, otherwise the remote TSAP encodes rack and slot.
func buildConnectRequest(rack, slot int, localTSAP, remoteTSAP uint16, useTSAP bool) []byte {
	b := make([]byte, len(connectTemplate))
	copy(b, connectTemplate[:])
	if useTSAP {
		binary.BigEndian.PutUint16(b[16:], localTSAP)
		binary.BigEndian.PutUint16(b[20:], remoteTSAP)
	} else {
		b[21] = byte(rack*32 + slot)
	}
	return b
}

// buildNegotiateRequest returns the setup communication job.
func buildNegotiateRequest(maxParallel, maxPDU int) []byte {
	b := make([]byte, len(negotiateTemplate))
	copy(b, negotiateTemplate[:])
	binary.BigEndian.PutUint16(b[19:], uint16(maxParallel))
	binary.BigEndian.PutUint16(b[21:], uint16(maxParallel))
	binary.BigEndian.PutUint16(b[23:], uint16(maxPDU))
	return b
}

// checkConnectConfirm validates the ISO connection confirm (CC).
func checkConnectConfirm(f []byte) error {
	if len(f) < minDataFrameLen {
		return framingErrorf("connection confirm too short: %d bytes", len(f))
	}
	if tpktLength(f) != len(f) {
		return framingErrorf("connection confirm length %d does not match TPKT length %d", len(f), tpktLength(f))
	}
	if f[5] != cotpCC {
		return framingErrorf("expected COTP CC, got 0x%02X", f[5])
	}
	if int(f[4]) != len(f)-5 {
		return framingErrorf("invalid COTP length %d", f[4])
	}
	return nil
}

// negotiation is what the PLC granted in its setup communication reply.
type negotiation struct {
	parallelCalling int
	parallelCalled  int
	pduSize         int
}

// parseNegotiateResponse validates the setup communication reply and
// extracts the granted limits.
func parseNegotiateResponse(f []byte) (negotiation, error) {
	var n negotiation
	if len(f) < 27 {
		return n, framingErrorf("setup response too short: %d bytes", len(f))
	}
	if f[7] != s7ProtocolID || f[8] != s7MsgAckData {
		return n, framingErrorf("unexpected setup response header 0x%02X 0x%02X", f[7], f[8])
	}
	paramLen := int(binary.BigEndian.Uint16(f[offParamLength:]))
	if int(f[4])+1+12+paramLen != tpktLength(f)-4 {
		return n, framingErrorf("setup response length fields inconsistent")
	}
	if f[offErrorClass] != 0 || f[offErrorClass+1] != 0 {
		return n, S7Error{Class: f[offErrorClass], Code: f[offErrorClass+1]}
	}
	if f[offFunction] != s7FuncSetupComm {
		return n, framingErrorf("unexpected setup function 0x%02X", f[offFunction])
	}
	n.parallelCalling = int(binary.BigEndian.Uint16(f[21:]))
	n.parallelCalled = int(binary.BigEndian.Uint16(f[23:]))
	n.pduSize = int(binary.BigEndian.Uint16(f[25:]))
	return n, nil
}

// itemSpec builds the 12-byte S7ANY item for a fragment of addr covering
// length bytes starting at byte offset.
func itemSpec(addr *Address, length, offset int, writing bool) []byte {
	b := make([]byte, itemSpecSize)
	b[0] = s7AnySpecType
	b[1] = s7AnyLen
	b[2] = s7AnySyntaxID

	count := length
	bitAddr := offset * 8
	switch {
	case addr.Area == AreaT || addr.Area == AreaC:
		b[3] = addr.AreaCode
		count = length / addr.ElementSize
	case writing && addr.singleBit():
		b[3] = tsBIT
		bitAddr += addr.BitOffset
	default:
		b[3] = tsBYTE
	}

	binary.BigEndian.PutUint16(b[4:], uint16(count))
	if addr.Area == AreaDB {
		binary.BigEndian.PutUint16(b[6:], uint16(addr.DBNumber))
	}
	binary.BigEndian.PutUint32(b[8:], uint32(bitAddr))
	b[8] |= addr.AreaCode
	return b
}

// itemWriteData builds the data section entry of one write item.
// A single bit carries a length of 1 bit, everything else its length in bits.
func itemWriteData(addr *Address, data []byte) []byte {
	b := make([]byte, itemHeaderSize, itemHeaderSize+len(data))
	b[1] = addr.Transport
	if addr.singleBit() {
		binary.BigEndian.PutUint16(b[2:], 1)
	} else {
		binary.BigEndian.PutUint16(b[2:], uint16(len(data)*8))
	}
	return append(b, data...)
}

func requestHeader(fn byte, seq uint16, items int) []byte {
	b := make([]byte, requestHeaderSize, requestHeaderSize+items*itemSpecSize)
	copy(b, requestHeaderTemplate[:])
	binary.BigEndian.PutUint16(b[offSequence:], seq)
	binary.BigEndian.PutUint16(b[offParamLength:], uint16(items*itemSpecSize+2))
	b[17] = fn
	b[18] = byte(items)
	return b
}

// buildReadRequest encodes one read job carrying every fragment of pkt.
func buildReadRequest(seq uint16, frags []*readFragment) []byte {
	b := requestHeader(s7FuncRead, seq, len(frags))
	for _, f := range frags {
		b = append(b, itemSpec(&f.addr, f.length, f.offset, false)...)
	}
	binary.BigEndian.PutUint16(b[2:], uint16(len(b)))
	binary.BigEndian.PutUint16(b[offDataLength:], 0)
	return b
}

// buildWriteRequest encodes one write job. Data entries are padded to an
// even length between items, never after the last one.
func buildWriteRequest(seq uint16, frags []*writeFragment) []byte {
	b := requestHeader(s7FuncWrite, seq, len(frags))
	for _, f := range frags {
		b = append(b, itemSpec(&f.addr, f.length, f.offset, true)...)
	}

	var data []byte
	for i, f := range frags {
		data = append(data, itemWriteData(&f.addr, f.data)...)
		if i < len(frags)-1 && len(data)%2 == 1 {
			data = append(data, 0x00)
		}
	}
	b = append(b, data...)
	binary.BigEndian.PutUint16(b[2:], uint16(len(b)))
	binary.BigEndian.PutUint16(b[offDataLength:], uint16(len(data)))
	return b
}

func tpktLength(f []byte) int {
	return int(binary.BigEndian.Uint16(f[2:4]))
}

// scanTPKT is a bufio.SplitFunc returning one whole TPKT telegram per token.
// Partial telegrams are buffered until complete; several telegrams in one
// read are returned one at a time.
func scanTPKT(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < tpktHeaderSize {
		if atEOF && len(data) > 0 {
			return 0, nil, framingErrorf("truncated TPKT header")
		}
		return 0, nil, nil
	}
	if data[0] != tpktVersion {
		return 0, nil, framingErrorf("invalid TPKT version 0x%02X", data[0])
	}
	n := tpktLength(data)
	if n < fastAckLen {
		return 0, nil, framingErrorf("invalid TPKT length %d", n)
	}
	if len(data) < n {
		if atEOF {
			return 0, nil, framingErrorf("truncated telegram: have %d of %d bytes", len(data), n)
		}
		return 0, nil, nil
	}
	return n, data[:n], nil
}

// isFastAck reports a bare COTP DT without the last-data-unit flag. The PLC
// sends these ahead of the real response; they carry no S7 payload.
func isFastAck(f []byte) bool {
	return len(f) == fastAckLen && f[5] == cotpDT && f[6]&cotpEOT == 0
}

// checkDataFrame validates a complete read/write response telegram.
// A job-level error may come back as a bare header without parameters.
func checkDataFrame(f []byte, maxPDU int) error {
	if len(f) < ackHeaderLen {
		return framingErrorf("telegram too short: %d bytes", len(f))
	}
	if f[7] != s7ProtocolID {
		return framingErrorf("invalid protocol ID 0x%02X", f[7])
	}
	if f[8] != s7MsgAckData {
		return framingErrorf("unexpected PDU type 0x%02X, the request may exceed the negotiated PDU size", f[8])
	}
	if f[5] != cotpDT {
		return framingErrorf("expected COTP DT, got 0x%02X", f[5])
	}
	if f[6]&cotpEOT == 0 {
		return framingErrorf("fragmented COTP data units are not supported")
	}
	paramLen := int(binary.BigEndian.Uint16(f[offParamLength:]))
	dataLen := int(binary.BigEndian.Uint16(f[offDataLength:]))
	if int(f[4])+1+12+4+paramLen+dataLen != len(f) {
		return framingErrorf("length fields inconsistent: param %d data %d telegram %d", paramLen, dataLen, len(f))
	}
	if maxPDU > 0 && len(f)-7 > maxPDU {
		return framingErrorf("telegram of %d bytes exceeds PDU size %d", len(f), maxPDU)
	}
	if len(f) < minDataFrameLen && headerError(f) == nil {
		return framingErrorf("telegram too short: %d bytes", len(f))
	}
	return nil
}

// responseSequence returns the sequence number echoed by the PLC.
func responseSequence(f []byte) uint16 {
	return binary.BigEndian.Uint16(f[offSequence:])
}

// headerError returns the job-level error carried in the AckData header.
func headerError(f []byte) error {
	if f[offErrorClass] == 0 && f[offErrorClass+1] == 0 {
		return nil
	}
	return S7Error{Class: f[offErrorClass], Code: f[offErrorClass+1]}
}

// itemResult is the outcome of one item in a response.
type itemResult struct {
	data []byte
	err  error
}

// parseReadItems walks the data items of a read response, one result per
// fragment in request order. A truncated item rejects it and every item after it.
func parseReadItems(f []byte, frags []*readFragment) []itemResult {
	results := make([]itemResult, len(frags))

	if err := headerError(f); err != nil {
		for i, fr := range frags {
			results[i].err = &ResponseError{Tag: fr.name(), Reason: err.Error()}
		}
		return results
	}

	p := responseDataStart
	for i, fr := range frags {
		if len(f)-p < itemHeaderSize {
			for j := i; j < len(frags); j++ {
				results[j].err = &ResponseError{Tag: frags[j].name(), Reason: "malformed packet"}
			}
			break
		}

		code := f[p]
		transport := f[p+1]
		reported := int(binary.BigEndian.Uint16(f[p+2:]))
		if fr.addr.Transport == TransportByte {
			reported /= 8
		}
		if len(f)-p < itemHeaderSize+reported {
			for j := i; j < len(frags); j++ {
				results[j].err = &ResponseError{Tag: frags[j].name(), Reason: "malformed packet"}
			}
			break
		}

		switch {
		case code != dataItemSuccess:
			results[i].err = &ResponseError{Tag: fr.name(), Code: code, Reason: "invalid response code"}
		case transport != fr.addr.Transport:
			results[i].err = &ResponseError{Tag: fr.name(), Reason: "invalid transport code"}
		case reported != fr.length:
			results[i].err = &ResponseError{Tag: fr.name(), Reason: "invalid response length"}
		default:
			data := make([]byte, reported)
			copy(data, f[p+itemHeaderSize:])
			results[i].data = data
		}

		p += itemHeaderSize + reported
		if reported%2 == 1 {
			p++
		}
	}
	return results
}

// parseWriteItems reads the one-byte return codes of a write response.
func parseWriteItems(f []byte, frags []*writeFragment) []itemResult {
	results := make([]itemResult, len(frags))

	if err := headerError(f); err != nil {
		for i, fr := range frags {
			results[i].err = &ResponseError{Tag: fr.name(), Reason: err.Error()}
		}
		return results
	}

	p := responseDataStart
	for i, fr := range frags {
		if p >= len(f) {
			results[i].err = &ResponseError{Tag: fr.name(), Reason: "malformed packet"}
			continue
		}
		if f[p] != dataItemSuccess {
			results[i].err = &ResponseError{Tag: fr.name(), Code: f[p], Reason: "write failed"}
		}
		p++
	}
	return results
}
