package proto

import (
	"encoding/binary"
	"math"
)

// Writer appends little-endian binary data to an in-memory buffer. Each
// message is encoded into its own Writer so the resulting slice can be handed
// to the channel layer without aliasing a shared scratch buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with a small preallocated buffer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded message. The slice is owned by the writer; callers
// that retain it must not keep writing.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset truncates the buffer for reuse.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteBool appends a boolean as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteU16 appends a little-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteU32 appends a little-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteU64 appends a little-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteI16 appends a little-endian int16.
func (w *Writer) WriteI16(v int16) {
	w.WriteU16(uint16(v))
}

// WriteI32 appends a little-endian int32.
func (w *Writer) WriteI32(v int32) {
	w.WriteU32(uint32(v))
}

// WriteI64 appends a little-endian int64.
func (w *Writer) WriteI64(v int64) {
	w.WriteU64(uint64(v))
}

// WriteF32 appends an IEEE-754 float32.
func (w *Writer) WriteF32(v float32) {
	w.WriteU32(math.Float32bits(v))
}

// WriteF64 appends an IEEE-754 float64.
func (w *Writer) WriteF64(v float64) {
	w.WriteU64(math.Float64bits(v))
}

// WriteVarUint appends an unsigned integer in base-128 varint form. Counts and
// entity ids use this encoding to keep small values at one byte.
func (w *Writer) WriteVarUint(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// WriteString appends a varint length prefix followed by the raw bytes.
func (w *Writer) WriteString(s string) {
	w.WriteVarUint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteByteSlice appends a varint length prefix followed by the raw bytes.
func (w *Writer) WriteByteSlice(b []byte) {
	w.WriteVarUint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteRaw appends bytes without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteVector3 appends three float32 components.
func (w *Writer) WriteVector3(v Vector3) {
	w.WriteF32(v.X)
	w.WriteF32(v.Y)
	w.WriteF32(v.Z)
}

// WritePackedQuaternion appends a quaternion quantized to four int16
// components. The quaternion is normalized before packing so each component
// fits the [-1, 1] range.
func (w *Writer) WritePackedQuaternion(q Quaternion) {
	n := q.Normalized()
	w.WriteI16(packUnit(n.W))
	w.WriteI16(packUnit(n.X))
	w.WriteI16(packUnit(n.Y))
	w.WriteI16(packUnit(n.Z))
}

func packUnit(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(float64(v) * 32767))
}

// WriteNetID appends an entity id. Purely local ids are encoded as zero so
// they never leak to the remote peer.
func (w *Writer) WriteNetID(id uint32) {
	if id >= FirstLocalID {
		w.WriteVarUint(0)
		return
	}
	w.WriteVarUint(uint64(id))
}
