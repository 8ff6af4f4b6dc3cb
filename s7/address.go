package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a parsed S7 memory reference. It is immutable once parsed;
// the planner copies it by value into every fragment it builds.
type Address struct {
	Name             string   // Wire-form tag, e.g. "DB1,REAL4"
	Alias            string   // Caller-facing name the result is keyed by
	Area             Area     // Memory area
	AreaCode         byte     // S7 wire area byte
	Transport        byte     // Data item transport code
	Kind             DataKind // Element type
	DBNumber         int      // Data block number (0 outside AreaDB)
	Offset           int      // Byte offset
	BitOffset        int      // Bit 0-7, only meaningful for KindBit
	Count            int      // Number of elements (1 for scalar)
	ElementSize      int      // Bytes per element; strings include the 2-byte header
	ByteLength       int      // Bytes covered by the whole address
	ByteLengthPadded int      // ByteLength rounded up to even
}

// IsArray returns true if the address covers more than one element.
func (a *Address) IsArray() bool {
	return a.Count > 1
}

// singleBit reports whether this is a lone bit (not a bit array).
func (a *Address) singleBit() bool {
	return a.Kind == KindBit && a.Count == 1
}

// TypeName returns the element type, with the element count for arrays:
// "REAL", "INT[10]", "STRING[20]" for a single string of declared length 20.
func (a *Address) TypeName() string {
	name := a.Kind.String()
	if a.Kind == KindString {
		name = fmt.Sprintf("STRING[%d]", a.ElementSize-2)
	}
	if a.IsArray() {
		return fmt.Sprintf("%s[%d]", name, a.Count)
	}
	return name
}

// String returns the wire-form name.
func (a *Address) String() string {
	return a.Name
}

var (
	// Prefix and offset of one address token: "MW10" -> ("MW", "10")
	reToken = regexp.MustCompile(`^([A-Z]*)(\d+)$`)

	// Left side of the DB form: "DB12"
	reDBNumber = regexp.MustCompile(`^DB(\d+)$`)
)

// nonDBPrefixes maps the letter prefix of a non-DB address to its area
// and element kind. E/A are the German mnemonics for I/Q.
var nonDBPrefixes = map[string]struct {
	area Area
	kind DataKind
}{
	"I": {AreaI, KindBit}, "E": {AreaI, KindBit},
	"IX": {AreaI, KindBit}, "EX": {AreaI, KindBit},
	"IB": {AreaI, KindByte}, "EB": {AreaI, KindByte},
	"IC": {AreaI, KindChar}, "EC": {AreaI, KindChar},
	"IW": {AreaI, KindWord}, "EW": {AreaI, KindWord},
	"II": {AreaI, KindInt}, "EI": {AreaI, KindInt},
	"ID": {AreaI, KindDWord}, "ED": {AreaI, KindDWord},
	"IDI": {AreaI, KindDInt}, "EDI": {AreaI, KindDInt},
	"IR": {AreaI, KindReal}, "ER": {AreaI, KindReal},

	"Q": {AreaQ, KindBit}, "A": {AreaQ, KindBit},
	"QX": {AreaQ, KindBit}, "AX": {AreaQ, KindBit},
	"QB": {AreaQ, KindByte}, "AB": {AreaQ, KindByte},
	"QC": {AreaQ, KindChar}, "AC": {AreaQ, KindChar},
	"QW": {AreaQ, KindWord}, "AW": {AreaQ, KindWord},
	"QI": {AreaQ, KindInt}, "AI": {AreaQ, KindInt},
	"QD": {AreaQ, KindDWord}, "AD": {AreaQ, KindDWord},
	"QDI": {AreaQ, KindDInt}, "ADI": {AreaQ, KindDInt},
	"QR": {AreaQ, KindReal}, "AR": {AreaQ, KindReal},

	"M":   {AreaM, KindBit},
	"MX":  {AreaM, KindBit},
	"MB":  {AreaM, KindByte},
	"MC":  {AreaM, KindChar},
	"MW":  {AreaM, KindWord},
	"MI":  {AreaM, KindInt},
	"MD":  {AreaM, KindDWord},
	"MDI": {AreaM, KindDInt},
	"MR":  {AreaM, KindReal},

	"T": {AreaT, KindTimer},
	"C": {AreaC, KindCounter},
}

func init() {
	// Peripheral I/O: PI/PE/PQ/PA with any byte-or-larger suffix. No bit access.
	suffixes := map[string]DataKind{
		"B": KindByte, "C": KindChar, "W": KindWord, "I": KindInt,
		"D": KindDWord, "DI": KindDInt, "R": KindReal,
	}
	for _, p := range []string{"PI", "PE", "PQ", "PA"} {
		for s, k := range suffixes {
			nonDBPrefixes[p+s] = struct {
				area Area
				kind DataKind
			}{AreaP, k}
		}
	}
}

// ParseAddress parses a tag string into an Address.
// Supported formats:
//   - DB1,REAL4       - DB real at byte 4
//   - DB1,INT2.10     - array of 10 INTs starting at byte 2
//   - DB1,X0.3        - DB bit 0.3
//   - DB1,X0.3.12     - 12 bits starting at 0.3
//   - DB1,S20         - string with declared length 20 at byte 0
//   - DB1,S10.3       - 3 consecutive strings of declared length 10 at byte 0
//   - DB1,S20.10.2    - 2 strings of declared length 10 at byte 20
//   - M0.1, I2.0.8    - marker/input bit, bit array
//   - MX2.2.3, QX0.1  - explicit bit form, same as M2.2.3 and Q0.1
//   - MB0, IW4, QD8, MR12, MDI0, PIW256 - sized non-DB items
//   - MW10.4          - array of 4 words
//   - T5, C3          - timer, counter
//
// The returned error is an *AddressError; it only concerns this tag.
func ParseAddress(raw, alias string, intent Intent) (*Address, error) {
	name := strings.TrimSpace(raw)
	if alias == "" {
		alias = raw
	}

	parts := strings.Split(strings.ToUpper(name), ",")
	var (
		addr *Address
		err  error
	)
	switch len(parts) {
	case 1:
		addr, err = parseNonDB(parts[0])
	case 2:
		addr, err = parseDB(parts[0], parts[1])
	default:
		err = fmt.Errorf("string could not split properly")
	}
	if err != nil {
		return nil, &AddressError{Raw: raw, Reason: err.Error()}
	}

	addr.Name = raw
	addr.Alias = alias
	if err := addr.finish(intent); err != nil {
		return nil, &AddressError{Raw: raw, Reason: err.Error()}
	}
	return addr, nil
}

// parseNonDB handles I/Q/M/P/T/C addresses.
func parseNonDB(s string) (*Address, error) {
	fields := strings.Split(s, ".")
	m := reToken.FindStringSubmatch(fields[0])
	if m == nil {
		return nil, fmt.Errorf("failed to find a match for %q", fields[0])
	}
	entry, ok := nonDBPrefixes[m[1]]
	if !ok {
		return nil, fmt.Errorf("failed to find a match for %q", m[1])
	}
	offset, err := parseNumber(m[2], "offset")
	if err != nil {
		return nil, err
	}

	addr := &Address{Area: entry.area, Kind: entry.kind, Offset: offset, Count: 1}

	if len(fields) > 3 {
		return nil, fmt.Errorf("too many components")
	}
	if entry.kind == KindBit {
		if len(fields) > 1 {
			if addr.BitOffset, err = parseBitOffset(fields[1]); err != nil {
				return nil, err
			}
		}
		if len(fields) > 2 {
			if addr.Count, err = parseNumber(fields[2], "array length"); err != nil {
				return nil, err
			}
		}
		return addr, nil
	}

	if len(fields) > 2 {
		return nil, fmt.Errorf("too many components for %s", entry.kind)
	}
	if len(fields) == 2 {
		if addr.Count, err = parseNumber(fields[1], "array length"); err != nil {
			return nil, err
		}
	}
	return addr, nil
}

// parseDB handles "DB<n>,<TYPE><NUM>..." addresses.
func parseDB(left, right string) (*Address, error) {
	dm := reDBNumber.FindStringSubmatch(strings.TrimSpace(left))
	if dm == nil {
		return nil, fmt.Errorf("expected DB<number> before comma, got %q", left)
	}
	dbNum, err := parseNumber(dm[1], "DB number")
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(right), ".")
	m := reToken.FindStringSubmatch(fields[0])
	if m == nil {
		return nil, fmt.Errorf("failed to find a match for %q", fields[0])
	}
	kind, ok := kindFromToken(m[1])
	if !ok || kind == KindTimer || kind == KindCounter {
		return nil, fmt.Errorf("unknown data type %q", m[1])
	}
	num, err := parseNumber(m[2], "offset")
	if err != nil {
		return nil, err
	}

	addr := &Address{Area: AreaDB, Kind: kind, DBNumber: dbNum, Offset: num, Count: 1}

	switch kind {
	case KindBit:
		if len(fields) > 3 {
			return nil, fmt.Errorf("too many components")
		}
		if len(fields) > 1 {
			if addr.BitOffset, err = parseBitOffset(fields[1]); err != nil {
				return nil, err
			}
		}
		if len(fields) > 2 {
			if addr.Count, err = parseNumber(fields[2], "array length"); err != nil {
				return nil, err
			}
		}
	case KindString:
		// S<len> and S<len>.<count> start at byte 0; S<offset>.<len>.<count> is explicit.
		declared := num
		switch len(fields) {
		case 1:
			addr.Offset = 0
		case 2:
			addr.Offset = 0
			if addr.Count, err = parseNumber(fields[1], "array length"); err != nil {
				return nil, err
			}
		case 3:
			if declared, err = parseNumber(fields[1], "string length"); err != nil {
				return nil, err
			}
			if addr.Count, err = parseNumber(fields[2], "array length"); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("too many components")
		}
		if declared <= 0 || declared > 254 {
			return nil, fmt.Errorf("string length %d out of range 1-254", declared)
		}
		addr.ElementSize = declared + 2
	default:
		if len(fields) > 2 {
			return nil, fmt.Errorf("too many components for %s", kind)
		}
		if len(fields) == 2 {
			if addr.Count, err = parseNumber(fields[1], "array length"); err != nil {
				return nil, err
			}
		}
	}
	return addr, nil
}

// Limits of the S7ANY item: the byte offset is carried as offset*8 in the
// address field, the DB number in 16 bits.
const (
	maxByteOffset = 0xFFFF
	maxDBNumber   = 0xFFFF
)

// finish derives codes and lengths and checks the invariants.
func (a *Address) finish(intent Intent) error {
	if a.Count <= 0 {
		return fmt.Errorf("zero length arrays not allowed")
	}
	if a.BitOffset < 0 || a.BitOffset > 7 {
		return fmt.Errorf("invalid bit offset %d", a.BitOffset)
	}
	if a.Offset < 0 || a.Offset > maxByteOffset {
		return fmt.Errorf("offset %d out of range 0-%d", a.Offset, maxByteOffset)
	}
	if a.DBNumber < 0 || a.DBNumber > maxDBNumber {
		return fmt.Errorf("DB number %d out of range 0-%d", a.DBNumber, maxDBNumber)
	}

	if a.Kind != KindString {
		a.ElementSize = a.Kind.Size()
	}
	if a.ElementSize <= 0 {
		return fmt.Errorf("unknown data type %s", a.Kind)
	}

	a.AreaCode = a.Area.Code()
	if a.AreaCode == 0 {
		return fmt.Errorf("unknown memory area %s", a.Area)
	}
	switch a.Area {
	case AreaT, AreaC:
		a.Transport = TransportTimerCounter
	default:
		a.Transport = TransportByte
	}
	if intent == IntentWrite && a.singleBit() {
		a.Transport = TransportBit
	}

	if a.Kind == KindBit {
		a.ByteLength = (a.BitOffset + a.Count + 7) / 8
	} else {
		a.ByteLength = a.Count * a.ElementSize
	}
	a.ByteLengthPadded = a.ByteLength + a.ByteLength%2
	return nil
}

func parseNumber(s, what string) (int, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative %s %d", what, n)
	}
	return n, nil
}

func parseBitOffset(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 7 {
		return 0, fmt.Errorf("invalid bit offset %q", s)
	}
	return n, nil
}

// ValidateAddress checks if an address string is valid S7 format.
func ValidateAddress(raw string) bool {
	_, err := ParseAddress(raw, "", IntentRead)
	return err == nil
}
