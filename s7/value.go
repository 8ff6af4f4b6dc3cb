package s7

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// EncodeValue converts a Go value into the memory image of addr: exactly
// addr.ByteLength big-endian bytes. Bits are placed at their bit offset
// within the covering byte(s). Arrays accept any slice whose length
// matches addr.Count; char arrays also accept a string.
func EncodeValue(addr *Address, value interface{}) ([]byte, error) {
	buf := make([]byte, addr.ByteLength)

	if addr.Kind == KindBit {
		return buf, encodeBits(addr, buf, value)
	}

	if !addr.IsArray() {
		return buf, encodeElement(addr, buf, value)
	}

	if addr.Kind == KindChar {
		if s, ok := value.(string); ok {
			// Shorter strings are zero-filled, longer ones cut off.
			copy(buf, s)
			return buf, nil
		}
	}

	elems, err := sliceElements(value, addr.Count)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr.Name, err)
	}
	for i, elem := range elems {
		off := i * addr.ElementSize
		if err := encodeElement(addr, buf[off:off+addr.ElementSize], elem); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", addr.Name, i, err)
		}
	}
	return buf, nil
}

// encodeBits packs one bool or a bool slice starting at addr.BitOffset.
func encodeBits(addr *Address, buf []byte, value interface{}) error {
	var bits []interface{}
	if addr.IsArray() {
		elems, err := sliceElements(value, addr.Count)
		if err != nil {
			return fmt.Errorf("%s: %w", addr.Name, err)
		}
		bits = elems
	} else {
		bits = []interface{}{value}
	}

	for i, b := range bits {
		on, err := toBool(b)
		if err != nil {
			return fmt.Errorf("%s: %w", addr.Name, err)
		}
		if on {
			pos := addr.BitOffset + i
			buf[pos/8] |= 1 << (pos % 8)
		}
	}
	return nil
}

// encodeElement writes one non-bit element into buf.
func encodeElement(addr *Address, buf []byte, value interface{}) error {
	switch addr.Kind {
	case KindReal:
		f, err := toFloat64(value)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
	case KindDWord:
		n, err := toIntInRange(value, 0, math.MaxUint32, "DWORD")
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf, uint32(n))
	case KindDInt:
		n, err := toIntInRange(value, math.MinInt32, math.MaxInt32, "DINT")
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf, uint32(int32(n)))
	case KindInt, KindTimer, KindCounter:
		n, err := toIntInRange(value, math.MinInt16, math.MaxInt16, addr.Kind.String())
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
	case KindWord:
		n, err := toIntInRange(value, 0, math.MaxUint16, "WORD")
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(buf, uint16(n))
	case KindByte:
		n, err := toIntInRange(value, 0, math.MaxUint8, "BYTE")
		if err != nil {
			return err
		}
		buf[0] = byte(n)
	case KindChar:
		c, err := toChar(value)
		if err != nil {
			return err
		}
		buf[0] = c
	case KindString:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		capacity := addr.ElementSize - 2
		buf[0] = byte(capacity)
		buf[1] = byte(min(capacity, len(s)))
		for i := 2; i < addr.ElementSize; i++ {
			if i-2 < len(s) {
				buf[i] = s[i-2]
			} else {
				buf[i] = ' '
			}
		}
	default:
		return fmt.Errorf("unsupported data type: %s", addr.Kind)
	}
	return nil
}

// DecodeValue converts the memory image of addr back to a Go value.
// Scalars decode to bool, uint8, string (CHAR/STRING), uint16, int16,
// uint32, int32 or float32; arrays to the matching slice, except CHAR
// arrays which decode to a single string.
func DecodeValue(addr *Address, data []byte) (interface{}, error) {
	if len(data) < addr.ByteLength {
		return nil, fmt.Errorf("%s: need %d bytes, have %d", addr.Name, addr.ByteLength, len(data))
	}

	if addr.Kind == KindBit {
		if !addr.IsArray() {
			return data[0]>>addr.BitOffset&1 == 1, nil
		}
		out := make([]bool, addr.Count)
		for i := range out {
			pos := addr.BitOffset + i
			out[i] = data[pos/8]>>(pos%8)&1 == 1
		}
		return out, nil
	}

	if !addr.IsArray() {
		return decodeElement(addr, data[:addr.ElementSize]), nil
	}

	if addr.Kind == KindChar {
		return string(data[:addr.Count]), nil
	}

	switch addr.Kind {
	case KindReal:
		out := make([]float32, addr.Count)
		for i := range out {
			out[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case KindDWord:
		out := make([]uint32, addr.Count)
		for i := range out {
			out[i] = binary.BigEndian.Uint32(data[i*4:])
		}
		return out, nil
	case KindDInt:
		out := make([]int32, addr.Count)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case KindInt, KindTimer, KindCounter:
		out := make([]int16, addr.Count)
		for i := range out {
			out[i] = int16(binary.BigEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case KindWord:
		out := make([]uint16, addr.Count)
		for i := range out {
			out[i] = binary.BigEndian.Uint16(data[i*2:])
		}
		return out, nil
	case KindByte:
		out := make([]uint8, addr.Count)
		copy(out, data)
		return out, nil
	case KindString:
		out := make([]string, addr.Count)
		for i := range out {
			off := i * addr.ElementSize
			out[i] = decodeString(data[off:off+addr.ElementSize], addr.ElementSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", addr.Kind)
	}
}

func decodeElement(addr *Address, b []byte) interface{} {
	switch addr.Kind {
	case KindReal:
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	case KindDWord:
		return binary.BigEndian.Uint32(b)
	case KindDInt:
		return int32(binary.BigEndian.Uint32(b))
	case KindInt, KindTimer, KindCounter:
		return int16(binary.BigEndian.Uint16(b))
	case KindWord:
		return binary.BigEndian.Uint16(b)
	case KindByte:
		return b[0]
	case KindChar:
		return string(b[:1])
	case KindString:
		return decodeString(b, addr.ElementSize)
	}
	return nil
}

// decodeString reads an S7 string: [capacity, length, chars...].
func decodeString(b []byte, size int) string {
	n := int(b[1])
	if n > size-2 {
		n = size - 2
	}
	return string(b[2 : 2+n])
}

// sliceElements flattens any slice or array value into count elements.
func sliceElements(value interface{}, count int) ([]interface{}, error) {
	if elems, ok := value.([]interface{}); ok {
		if len(elems) != count {
			return nil, fmt.Errorf("expected %d elements, got %d", count, len(elems))
		}
		return elems, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected array of %d elements, got %T", count, value)
	}
	if rv.Len() != count {
		return nil, fmt.Errorf("expected %d elements, got %d", count, rv.Len())
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("cannot convert %q to bool", v)
		}
		return b, nil
	}
	n, err := toFloat64(value)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", value)
	}
	return n != 0, nil
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// toIntInRange converts value to an integer and checks it fits [lo, hi].
func toIntInRange(value interface{}, lo, hi int64, typeName string) (int64, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint:
		n = int64(v)
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range for %s", v, typeName)
		}
		n = int64(v)
	default:
		f, err := toFloat64(value)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to %s", value, typeName)
		}
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("value %v is not an integer for %s", f, typeName)
		}
		if f < float64(lo) || f > float64(hi) {
			return 0, fmt.Errorf("value %v out of range for %s", f, typeName)
		}
		n = int64(f)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range for %s", n, typeName)
	}
	return n, nil
}

func toChar(value interface{}) (byte, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		return v[0], nil
	case rune:
		if v < 0 || v > 0xFF {
			return 0, fmt.Errorf("character %q out of range for CHAR", v)
		}
		return byte(v), nil
	}
	n, err := toIntInRange(value, 0, math.MaxUint8, "CHAR")
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}
