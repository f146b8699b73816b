// Package frame implements the wire and on-disk framing used throughout
// the event log server: a length-prefixed binary encoding of a typed,
// self-describing record (a "frame kind" plus a mapping of field name to
// typed value).
//
// The streaming parser (Split) is adapted from the teacher's
// bufio.SplitFunc-based tokenizer: it accumulates bytes until a full
// length-prefixed message is available and never blocks.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame so a corrupt or hostile length
// prefix can't force an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// lengthPrefixSize is the size of the leading big-endian length field.
const lengthPrefixSize = 4

// Frame is a typed record: a frame-kind tag plus a field-name -> Value
// mapping. It is the unit exchanged on the wire (§4.1) and, nested one
// level inside a "timestamp + event" wrapper, the unit persisted to the
// channel log (§4.2).
type Frame struct {
	Kind   string
	Fields map[string]Value
}

// New creates a Frame of the given kind with no fields set.
func New(kind string) *Frame {
	return &Frame{Kind: kind, Fields: make(map[string]Value)}
}

// Set assigns a field and returns the frame, for chaining construction.
func (f *Frame) Set(name string, v Value) *Frame {
	if f.Fields == nil {
		f.Fields = make(map[string]Value)
	}
	f.Fields[name] = v
	return f
}

// Get returns a field's value and whether it was present.
func (f *Frame) Get(name string) (Value, bool) {
	v, ok := f.Fields[name]
	return v, ok
}

// Equal reports whether two frames have the same kind and fields.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Kind != other.Kind || len(f.Fields) != len(other.Fields) {
		return false
	}
	for name, v := range f.Fields {
		ov, ok := other.Fields[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Encode writes the frame's record payload (the encoded kind and fields,
// without the outer wire length prefix) to w.
func (f *Frame) Encode(w io.Writer) error {
	if err := writeString(w, f.Kind); err != nil {
		return fmt.Errorf("frame: encode kind: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(f.Fields))); err != nil {
		return fmt.Errorf("frame: encode field count: %w", err)
	}
	for name, v := range f.Fields {
		if err := writeString(w, name); err != nil {
			return fmt.Errorf("frame: encode field name %q: %w", name, err)
		}
		if err := encodeValue(w, v); err != nil {
			return fmt.Errorf("frame: encode field %q: %w", name, err)
		}
	}
	return nil
}

// EncodeWire encodes the frame as a complete wire message: a 4-byte
// big-endian total length (including itself) followed by the record
// payload.
func (f *Frame) EncodeWire() ([]byte, error) {
	var body bufWriter
	if err := f.Encode(&body); err != nil {
		return nil, err
	}
	total := lengthPrefixSize + len(body.buf)
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out, uint32(total))
	copy(out[lengthPrefixSize:], body.buf)
	return out, nil
}

// Decode parses a single record payload (as produced by Encode, i.e. with
// the outer wire length prefix already stripped).
func Decode(payload []byte) (*Frame, error) {
	r := &bufReader{buf: payload}

	kind, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("frame: decode kind: %w", err)
	}

	var count uint32
	if err := r.readUint32(&count); err != nil {
		return nil, fmt.Errorf("frame: decode field count: %w", err)
	}

	f := &Frame{Kind: kind, Fields: make(map[string]Value, count)}
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("frame: decode field name: %w", err)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, fmt.Errorf("frame: decode field %q: %w", name, err)
		}
		f.Fields[name] = v
	}
	return f, nil
}

// Split is a bufio.SplitFunc that extracts length-prefixed frame payloads
// from a byte stream. It is purely byte-driven and never blocks: it
// returns (0, nil, nil) whenever fewer bytes are buffered than the next
// frame needs, asking the Scanner for more.
//
// The returned token excludes the 4-byte length prefix, matching the
// "bytes [4..L]" wording of §4.1.
func Split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < lengthPrefixSize {
		if atEOF && len(data) > 0 {
			return 0, nil, fmt.Errorf("frame: truncated length prefix (%d bytes)", len(data))
		}
		return 0, nil, nil
	}

	total := int(binary.BigEndian.Uint32(data))
	if total < lengthPrefixSize || total > maxFrameSize {
		return 0, nil, fmt.Errorf("frame: invalid frame length %d", total)
	}
	if len(data) < total {
		if atEOF {
			return 0, nil, fmt.Errorf("frame: truncated frame (have %d, want %d)", len(data), total)
		}
		return 0, nil, nil
	}

	return total, data[lengthPrefixSize:total], nil
}

// NewScanner wraps r in a bufio.Scanner configured with Split, ready to
// read successive frame payloads via Scan/Bytes.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	scanner.Split(Split)
	return scanner
}

// WriteTo encodes and writes f as a complete wire message to w.
func (f *Frame) WriteTo(w io.Writer) error {
	wire, err := f.EncodeWire()
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}
