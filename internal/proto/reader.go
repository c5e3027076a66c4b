package proto

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncated reports a read past the end of the payload.
var ErrTruncated = errors.New("proto: truncated payload")

// ErrVarintOverflow reports a malformed variable-length integer.
var ErrVarintOverflow = errors.New("proto: varint overflow")

// Reader consumes a message payload with bounds-checked reads. A read past the
// end records a sticky error and yields the zero value, so optional trailing
// fields default instead of corrupting state; callers that require the field
// check Err or Remaining first.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader wraps a payload for decoding. The reader does not copy the slice.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a one-byte boolean.
func (r *Reader) ReadBool() bool {
	return r.ReadU8() != 0
}

// ReadU16 reads a little-endian uint16.
func (r *Reader) ReadU16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadU32 reads a little-endian uint32.
func (r *Reader) ReadU32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadU64 reads a little-endian uint64.
func (r *Reader) ReadU64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadI16 reads a little-endian int16.
func (r *Reader) ReadI16() int16 {
	return int16(r.ReadU16())
}

// ReadI32 reads a little-endian int32.
func (r *Reader) ReadI32() int32 {
	return int32(r.ReadU32())
}

// ReadI64 reads a little-endian int64.
func (r *Reader) ReadI64() int64 {
	return int64(r.ReadU64())
}

// ReadF32 reads an IEEE-754 float32.
func (r *Reader) ReadF32() float32 {
	return math.Float32frombits(r.ReadU32())
}

// ReadF64 reads an IEEE-754 float64.
func (r *Reader) ReadF64() float64 {
	return math.Float64frombits(r.ReadU64())
}

// ReadVarUint reads a base-128 varint.
func (r *Reader) ReadVarUint() uint64 {
	var v uint64
	var shift uint
	for {
		if shift >= 64 {
			r.fail(ErrVarintOverflow)
			return 0
		}
		b := r.take(1)
		if b == nil {
			return 0
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0] < 0x80 {
			return v
		}
		shift += 7
	}
}

// ReadString reads a varint-prefixed string.
func (r *Reader) ReadString() string {
	n := r.ReadVarUint()
	if n > uint64(r.Remaining()) {
		r.fail(ErrTruncated)
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadByteSlice reads a varint-prefixed byte slice. The returned slice is a
// copy and safe to retain.
func (r *Reader) ReadByteSlice() []byte {
	n := r.ReadVarUint()
	if n > uint64(r.Remaining()) {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadVector3 reads three float32 components.
func (r *Reader) ReadVector3() Vector3 {
	return Vector3{X: r.ReadF32(), Y: r.ReadF32(), Z: r.ReadF32()}
}

// ReadPackedQuaternion reads a quaternion quantized to four int16 components.
func (r *Reader) ReadPackedQuaternion() Quaternion {
	q := Quaternion{
		W: unpackUnit(r.ReadI16()),
		X: unpackUnit(r.ReadI16()),
		Y: unpackUnit(r.ReadI16()),
		Z: unpackUnit(r.ReadI16()),
	}
	return q.Normalized()
}

func unpackUnit(v int16) float32 {
	return float32(v) / 32767
}

// ReadNetID reads an entity id. Zero means the sender had no replicated id.
func (r *Reader) ReadNetID() uint32 {
	v := r.ReadVarUint()
	if v >= uint64(FirstLocalID) {
		r.fail(errors.New("proto: net id out of replicated range"))
		return 0
	}
	return uint32(v)
}
