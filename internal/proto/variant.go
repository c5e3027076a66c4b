package proto

import (
	"fmt"
	"math"
	"sort"
)

// Vector3 is a three-component float vector.
type Vector3 struct {
	X, Y, Z float32
}

// DistanceTo returns the Euclidean distance between two points.
func (v Vector3) DistanceTo(o Vector3) float64 {
	dx := float64(v.X - o.X)
	dy := float64(v.Y - o.Y)
	dz := float64(v.Z - o.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Quaternion is a rotation. The identity rotation is {W: 1}.
type Quaternion struct {
	W, X, Y, Z float32
}

// QuaternionIdentity is the no-rotation quaternion.
var QuaternionIdentity = Quaternion{W: 1}

// Normalized returns the unit-length quaternion, or identity when degenerate.
func (q Quaternion) Normalized() Quaternion {
	mag := math.Sqrt(float64(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z))
	if mag == 0 {
		return QuaternionIdentity
	}
	inv := float32(1 / mag)
	return Quaternion{W: q.W * inv, X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv}
}

// Variant holds one of the wire-encodable value types: int32, int64, bool,
// float32, float64, string, []byte, Vector3, or Quaternion.
type Variant any

// Variant type tags on the wire.
const (
	varNil uint8 = iota
	varInt
	varInt64
	varBool
	varFloat
	varDouble
	varString
	varBuffer
	varVector3
	varQuaternion
)

// WriteVariant appends a type tag followed by the value. Unsupported dynamic
// types encode as nil rather than failing the whole message.
func (w *Writer) WriteVariant(v Variant) {
	switch val := v.(type) {
	case nil:
		w.WriteU8(varNil)
	case int32:
		w.WriteU8(varInt)
		w.WriteI32(val)
	case int:
		w.WriteU8(varInt)
		w.WriteI32(int32(val))
	case int64:
		w.WriteU8(varInt64)
		w.WriteI64(val)
	case bool:
		w.WriteU8(varBool)
		w.WriteBool(val)
	case float32:
		w.WriteU8(varFloat)
		w.WriteF32(val)
	case float64:
		w.WriteU8(varDouble)
		w.WriteF64(val)
	case string:
		w.WriteU8(varString)
		w.WriteString(val)
	case []byte:
		w.WriteU8(varBuffer)
		w.WriteByteSlice(val)
	case Vector3:
		w.WriteU8(varVector3)
		w.WriteVector3(val)
	case Quaternion:
		w.WriteU8(varQuaternion)
		w.WriteF32(val.W)
		w.WriteF32(val.X)
		w.WriteF32(val.Y)
		w.WriteF32(val.Z)
	default:
		w.WriteU8(varNil)
	}
}

// ReadVariant reads a type tag followed by the value.
func (r *Reader) ReadVariant() Variant {
	switch tag := r.ReadU8(); tag {
	case varNil:
		return nil
	case varInt:
		return r.ReadI32()
	case varInt64:
		return r.ReadI64()
	case varBool:
		return r.ReadBool()
	case varFloat:
		return r.ReadF32()
	case varDouble:
		return r.ReadF64()
	case varString:
		return r.ReadString()
	case varBuffer:
		return r.ReadByteSlice()
	case varVector3:
		return r.ReadVector3()
	case varQuaternion:
		return Quaternion{W: r.ReadF32(), X: r.ReadF32(), Y: r.ReadF32(), Z: r.ReadF32()}
	default:
		r.fail(fmt.Errorf("proto: unknown variant tag %d", tag))
		return nil
	}
}

// VariantMap maps hashed keys to variant values. Identity blobs, user
// variables, and remote event payloads travel as variant maps.
type VariantMap map[uint32]Variant

// SetString stores a value under the hash of a string key.
func (m VariantMap) SetString(key string, v Variant) {
	m[Hash(key)] = v
}

// GetString looks up a value by string key.
func (m VariantMap) GetString(key string) (Variant, bool) {
	v, ok := m[Hash(key)]
	return v, ok
}

// Clone returns a shallow copy of the map.
func (m VariantMap) Clone() VariantMap {
	if m == nil {
		return nil
	}
	out := make(VariantMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WriteVariantMap appends a count followed by key/value pairs in ascending key
// order, keeping the encoding deterministic.
func (w *Writer) WriteVariantMap(m VariantMap) {
	w.WriteVarUint(uint64(len(m)))
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		w.WriteU32(k)
		w.WriteVariant(m[k])
	}
}

// ReadVariantMap reads a count-prefixed set of key/value pairs.
func (r *Reader) ReadVariantMap() VariantMap {
	n := r.ReadVarUint()
	m := make(VariantMap, n)
	for i := uint64(0); i < n; i++ {
		if r.err != nil {
			return m
		}
		key := r.ReadU32()
		m[key] = r.ReadVariant()
	}
	return m
}
