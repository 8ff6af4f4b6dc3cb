package plcman

import (
	"fmt"
	"time"

	"s7link/s7"
)

// TagValue is the cached result of the last read of one tag.
type TagValue struct {
	Name      string      // Tag name as configured (alias or address)
	Address   string      // Resolved S7 address
	TypeName  string      // e.g. "REAL", "INT[10]"
	Writable  bool        // Writes allowed from the sinks
	Value     interface{} // Decoded value; nil when Error is set
	Error     error       // Per-tag error (nil if successful)
	Timestamp time.Time   // When the value was read
}

// GoValue returns the decoded value, or nil for a failed read.
func (v *TagValue) GoValue() interface{} {
	if v == nil || v.Error != nil {
		return nil
	}
	return v.Value
}

// describeTag resolves a configured tag name through the translations and
// returns its address and type name. Unparsable tags report "UNKNOWN".
func describeTag(name string, translations map[string]string) (address, typeName string) {
	address = name
	if raw, ok := translations[name]; ok {
		address = raw
	}
	addr, err := s7.ParseAddress(address, name, s7.IntentRead)
	if err != nil {
		return address, "UNKNOWN"
	}
	return address, addr.TypeName()
}

// valuesEqual compares two decoded values. Slices from array reads are
// compared by their printed form.
func valuesEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
