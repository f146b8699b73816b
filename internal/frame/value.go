package frame

import "fmt"

// Kind identifies the wire type of a Value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt32
	KindInt64
	KindBool
	KindBytes
	KindFrame
)

// Value is a single typed field value carried by a Frame.
//
// Exactly one of the typed accessors is meaningful, matching the Kind
// the value was constructed with. Values are immutable once built.
type Value struct {
	kind  Kind
	str   string
	i32   int32
	i64   int64
	b     bool
	bytes []byte
	frame *Frame
}

func String(v string) Value { return Value{kind: KindString, str: v} }
func Int32(v int32) Value   { return Value{kind: KindInt32, i32: v} }
func Int64(v int64) Value   { return Value{kind: KindInt64, i64: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Bytes(v []byte) Value  { return Value{kind: KindBytes, bytes: v} }
func Nested(v *Frame) Value { return Value{kind: KindFrame, frame: v} }

func (v Value) Kind() Kind { return v.kind }

// AsString returns the string value, or "" with ok=false if the value isn't
// a string.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsInt32() (int32, bool) {
	return v.i32, v.kind == KindInt32
}

func (v Value) AsInt64() (int64, bool) {
	return v.i64, v.kind == KindInt64
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsBytes() ([]byte, bool) {
	return v.bytes, v.kind == KindBytes
}

func (v Value) AsFrame() (*Frame, bool) {
	return v.frame, v.kind == KindFrame
}

// Equal reports whether two values have the same kind and content. Used by
// the subscription matcher (§4.5) to evaluate field-equality predicates.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindInt32:
		return v.i32 == other.i32
	case KindInt64:
		return v.i64 == other.i64
	case KindBool:
		return v.b == other.b
	case KindBytes:
		if len(v.bytes) != len(other.bytes) {
			return false
		}
		for i := range v.bytes {
			if v.bytes[i] != other.bytes[i] {
				return false
			}
		}
		return true
	case KindFrame:
		return v.frame.Equal(other.frame)
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt32:
		return fmt.Sprintf("%d", v.i32)
	case KindInt64:
		return fmt.Sprintf("%d", v.i64)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.bytes))
	case KindFrame:
		return fmt.Sprintf("frame(%s)", v.frame.Kind)
	default:
		return "<invalid>"
	}
}
