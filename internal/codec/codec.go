// Package codec encodes scalars, length-prefixed strings and optionals into a
// growable byte buffer and decodes them back through a cursor.
//
// Wire rules:
//
//	integers : fixed width, big-endian
//	bool     : 1 byte, 0 or 1
//	string   : [len: 4 bytes, int32][raw bytes]
//	optional : [present: 1 byte][value, only when present]
//
// A Reader short-circuits: once one step fails every later step also fails
// and returns the zero value, so a record can be decoded as a flat sequence
// of calls followed by a single OK check. Trailing bytes a Reader never asks
// for are ignored, which lets newer layouts append fields without breaking
// older readers.
package codec

import (
	"encoding/binary"
	"errors"
)

// ErrShortRead is reported when the buffer ends before a field does.
var ErrShortRead = errors.New("codec: short read")

// ErrInvalidLength is reported when a declared length is negative or larger
// than what remains in the buffer.
var ErrInvalidLength = errors.New("codec: invalid declared length")

// ErrInvalidValue is reported when a field holds a value its type cannot
// take, such as a bool byte other than 0 or 1.
var ErrInvalidValue = errors.New("codec: invalid value")

// ─── Writer ──────────────────────────────────────────────────────────────────

// Writer appends encoded fields to an internal buffer.
// The zero value is ready to use.
type Writer struct{ buf []byte }

// NewWriter returns a Writer with capacity preallocated for n bytes.
func NewWriter(n int) *Writer { return &Writer{buf: make([]byte, 0, n)} }

func (w *Writer) PutUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) PutUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) PutUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *Writer) PutInt32(v int32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) PutInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

// PutBool writes v as a single 0/1 byte.
func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// PutBytes writes a 4-byte length followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString writes a 4-byte length followed by the raw bytes of s.
func (w *Writer) PutString(s string) {
	w.PutInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutOptionalUint64 writes a presence flag and, when ok, the value.
func (w *Writer) PutOptionalUint64(v uint64, ok bool) {
	w.PutBool(ok)
	if ok {
		w.PutUint64(v)
	}
}

// PutOptionalInt64 writes a presence flag and, when ok, the value.
func (w *Writer) PutOptionalInt64(v int64, ok bool) {
	w.PutBool(ok)
	if ok {
		w.PutInt64(v)
	}
}

// PutOptionalString writes a presence flag and, when ok, the string.
func (w *Writer) PutOptionalString(s string, ok bool) {
	w.PutBool(ok)
	if ok {
		w.PutString(s)
	}
}

// Bytes returns the encoded buffer. The slice aliases the Writer's storage
// until the next Put or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reset empties the buffer, keeping its capacity.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// ─── Reader ──────────────────────────────────────────────────────────────────

// Reader decodes fields from buf, advancing a cursor.
type Reader struct {
	buf    []byte
	offset int
	err    error
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// OK reports whether every step so far succeeded.
func (r *Reader) OK() bool { return r.err == nil }

// Err returns the first failure, or nil.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.offset }

// Offset returns the cursor position.
func (r *Reader) Offset() int { return r.offset }

// take returns the next n bytes, or nil after marking the reader failed.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.Remaining() {
		r.err = ErrShortRead
		return nil
	}
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Bool reads one byte; any value other than 0 or 1 fails the reader.
func (r *Reader) Bool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	}
	r.err = ErrInvalidValue
	return false
}

// Bytes reads a length-prefixed byte slice. The returned slice is a copy.
func (r *Reader) Bytes() []byte {
	raw := r.rawLenPrefixed()
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// BytesView is like Bytes but aliases the underlying buffer.
func (r *Reader) BytesView() []byte { return r.rawLenPrefixed() }

// String reads a length-prefixed string.
func (r *Reader) String() string {
	return string(r.rawLenPrefixed())
}

func (r *Reader) rawLenPrefixed() []byte {
	n := r.Int32()
	if r.err != nil {
		return nil
	}
	if n < 0 || int(n) > r.Remaining() {
		r.err = ErrInvalidLength
		return nil
	}
	if n == 0 {
		return []byte{}
	}
	return r.take(int(n))
}

// OptionalUint64 reads a presence flag and, when present, the value.
func (r *Reader) OptionalUint64() (uint64, bool) {
	if !r.Bool() {
		return 0, false
	}
	v := r.Uint64()
	return v, r.err == nil
}

// OptionalInt64 reads a presence flag and, when present, the value.
func (r *Reader) OptionalInt64() (int64, bool) {
	if !r.Bool() {
		return 0, false
	}
	v := r.Int64()
	return v, r.err == nil
}

// OptionalString reads a presence flag and, when present, the string.
func (r *Reader) OptionalString() (string, bool) {
	if !r.Bool() {
		return "", false
	}
	v := r.String()
	return v, r.err == nil
}
