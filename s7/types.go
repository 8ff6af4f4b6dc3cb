// Package s7 provides Siemens S7 PLC communication using the S7 protocol
// over ISO-on-TCP (RFC 1006).
package s7

import "strings"

// Area identifies a PLC memory region.
type Area int

const (
	AreaDB Area = iota
	AreaI
	AreaQ
	AreaM
	AreaP
	AreaT
	AreaC
)

// String returns the short area mnemonic.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	case AreaP:
		return "P"
	case AreaT:
		return "T"
	case AreaC:
		return "C"
	default:
		return "?"
	}
}

// Code returns the S7 wire area byte.
func (a Area) Code() byte {
	switch a {
	case AreaDB:
		return areaDB
	case AreaI:
		return areaPE
	case AreaQ:
		return areaPA
	case AreaM:
		return areaMK
	case AreaP:
		return areaPeripheral
	case AreaT:
		return areaTM
	case AreaC:
		return areaCT
	default:
		return 0
	}
}

// Optimizable reports whether reads in this area may be coalesced into
// a single item. Peripherals, timers and counters are always read alone.
func (a Area) Optimizable() bool {
	switch a {
	case AreaDB, AreaI, AreaQ, AreaM:
		return true
	default:
		return false
	}
}

// Transport size codes used in data item headers.
const (
	TransportBit          = 0x03
	TransportByte         = 0x04
	TransportTimerCounter = 0x09
)

// DataKind is the element type of an address.
type DataKind int

const (
	KindBit DataKind = iota
	KindByte
	KindChar
	KindWord
	KindInt
	KindDWord
	KindDInt
	KindReal
	KindTimer
	KindCounter
	KindString
)

// String returns the canonical type name.
func (k DataKind) String() string {
	switch k {
	case KindBit:
		return "BOOL"
	case KindByte:
		return "BYTE"
	case KindChar:
		return "CHAR"
	case KindWord:
		return "WORD"
	case KindInt:
		return "INT"
	case KindDWord:
		return "DWORD"
	case KindDInt:
		return "DINT"
	case KindReal:
		return "REAL"
	case KindTimer:
		return "TIMER"
	case KindCounter:
		return "COUNTER"
	case KindString:
		return "STRING"
	default:
		return "UNKNOWN"
	}
}

// Size returns the element size in bytes. Strings have no fixed size;
// their size comes from the declared length in the address.
func (k DataKind) Size() int {
	switch k {
	case KindReal, KindDWord, KindDInt:
		return 4
	case KindInt, KindWord, KindTimer, KindCounter:
		return 2
	case KindBit, KindByte, KindChar:
		return 1
	default:
		return 0
	}
}

// kindFromToken maps a normalized type token to a DataKind.
func kindFromToken(tok string) (DataKind, bool) {
	switch strings.ToUpper(tok) {
	case "X":
		return KindBit, true
	case "B", "BYTE":
		return KindByte, true
	case "C", "CHAR":
		return KindChar, true
	case "W", "WORD":
		return KindWord, true
	case "I", "INT":
		return KindInt, true
	case "D", "DW", "DWORD":
		return KindDWord, true
	case "DI", "DINT":
		return KindDInt, true
	case "R", "REAL":
		return KindReal, true
	case "S", "STRING":
		return KindString, true
	case "TIMER":
		return KindTimer, true
	case "COUNTER":
		return KindCounter, true
	default:
		return 0, false
	}
}

// Intent tells the address parser whether the address is read or written.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	if i == IntentWrite {
		return "write"
	}
	return "read"
}
