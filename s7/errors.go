package s7

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Every typed error below matches one of these with errors.Is.
var (
	ErrAddressParse       = errors.New("address parse error")
	ErrProtocolFraming    = errors.New("protocol framing error")
	ErrResponseSemantic   = errors.New("response error")
	ErrTimeout            = errors.New("timeout")
	ErrTransport          = errors.New("transport error")
	ErrNotConnected       = errors.New("not connected")
	ErrValueCountMismatch = errors.New("tags and values must have the same length")
	ErrClosed             = errors.New("client closed")
	ErrPlanning           = errors.New("request did not split properly")
	ErrValueEncoding      = errors.New("value cannot be encoded")
)

// AddressError reports a tag string that could not be parsed.
type AddressError struct {
	Raw    string
	Reason string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Raw, e.Reason)
}

func (e *AddressError) Is(target error) bool { return target == ErrAddressParse }

// FramingError reports a malformed or inconsistent telegram.
// It is always fatal to the connection.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing: " + e.Reason
}

func (e *FramingError) Is(target error) bool { return target == ErrProtocolFraming }

func framingErrorf(format string, args ...interface{}) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// ResponseError reports an item-level failure returned by the PLC.
// It only affects the item (or logical request) it belongs to.
type ResponseError struct {
	Tag    string
	Code   byte // data item return code, 0 when not applicable
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Code != 0 && e.Code != dataItemSuccess {
		return fmt.Sprintf("%s: %s (%s)", e.Tag, e.Reason, dataItemError(e.Code))
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Reason)
}

func (e *ResponseError) Is(target error) bool { return target == ErrResponseSemantic }

// TimeoutError reports a handshake step or packet that missed its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return e.Op + ": timeout"
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TransportError reports a failure of the underlying byte stream, or a
// request rejected because the connection was torn down.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// TagErrors maps a tag alias to the error that rejected it.
type TagErrors map[string]error

func (te TagErrors) Error() string {
	names := make([]string, 0, len(te))
	for name := range te {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, te[name]))
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes the per-tag errors to errors.Is and errors.As.
func (te TagErrors) Unwrap() []error {
	errs := make([]error, 0, len(te))
	for _, err := range te {
		errs = append(errs, err)
	}
	return errs
}

// S7 Error Classes
const (
	errClassNoError     = 0x00
	errClassAppRelation = 0x81
	errClassObjDef      = 0x82
	errClassResource    = 0x83
	errClassService     = 0x84
	errClassNoResource  = 0x85 // No resource available (often PDU size exceeded)
	errClassAccess      = 0x87
)

// S7 Data Item Return Codes
const (
	dataItemSuccess          = 0xFF
	dataItemHardwareFault    = 0x01
	dataItemAccessDenied     = 0x03
	dataItemAddressError     = 0x05
	dataItemTypeError        = 0x06
	dataItemTypeInconsistent = 0x07 // Data type/size mismatch
	dataItemNotExist         = 0x0A
)

// S7Error is the error class/code pair carried in an AckData header.
type S7Error struct {
	Class byte
	Code  byte
}

func (e S7Error) Error() string {
	return s7ErrorMessage(e.Class, e.Code)
}

func s7ErrorMessage(class, code byte) string {
	switch class {
	case errClassNoError:
		return "no error"
	case errClassAppRelation:
		return fmt.Sprintf("application relationship error (code %d)", code)
	case errClassObjDef:
		return fmt.Sprintf("object definition error (code %d)", code)
	case errClassResource:
		return fmt.Sprintf("resource error (code %d)", code)
	case errClassService:
		return fmt.Sprintf("service error (code %d)", code)
	case errClassNoResource:
		return fmt.Sprintf("no resource available - request may exceed PDU size (code %d)", code)
	case errClassAccess:
		return fmt.Sprintf("access error (code %d)", code)
	default:
		return fmt.Sprintf("S7 error class 0x%02X code %d", class, code)
	}
}

// dataItemError returns a human-readable message for a data item return code.
func dataItemError(code byte) string {
	switch code {
	case dataItemSuccess:
		return ""
	case dataItemHardwareFault:
		return "hardware fault"
	case dataItemAccessDenied:
		return "access denied"
	case dataItemAddressError:
		return "invalid address"
	case dataItemTypeError:
		return "data type not supported"
	case dataItemTypeInconsistent:
		return "data type/size mismatch"
	case dataItemNotExist:
		return "object does not exist"
	default:
		return fmt.Sprintf("data item error 0x%02X", code)
	}
}
