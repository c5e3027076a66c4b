package proto

import (
	"math"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU8(7)
	w.WriteBool(true)
	w.WriteU16(0xBEEF)
	w.WriteU32(0xDEADBEEF)
	w.WriteU64(0x0123456789ABCDEF)
	w.WriteI32(-42)
	w.WriteF32(1.5)
	w.WriteF64(-2.25)
	w.WriteString("ember")
	w.WriteByteSlice([]byte{1, 2, 3})
	w.WriteVector3(Vector3{X: 1, Y: -2, Z: 3})

	r := NewReader(w.Bytes())
	if got := r.ReadU8(); got != 7 {
		t.Fatalf("expected u8 7, got %d", got)
	}
	if !r.ReadBool() {
		t.Fatalf("expected bool true")
	}
	if got := r.ReadU16(); got != 0xBEEF {
		t.Fatalf("expected u16 0xBEEF, got %#x", got)
	}
	if got := r.ReadU32(); got != 0xDEADBEEF {
		t.Fatalf("expected u32 0xDEADBEEF, got %#x", got)
	}
	if got := r.ReadU64(); got != 0x0123456789ABCDEF {
		t.Fatalf("expected u64 round trip, got %#x", got)
	}
	if got := r.ReadI32(); got != -42 {
		t.Fatalf("expected i32 -42, got %d", got)
	}
	if got := r.ReadF32(); got != 1.5 {
		t.Fatalf("expected f32 1.5, got %v", got)
	}
	if got := r.ReadF64(); got != -2.25 {
		t.Fatalf("expected f64 -2.25, got %v", got)
	}
	if got := r.ReadString(); got != "ember" {
		t.Fatalf("expected string %q, got %q", "ember", got)
	}
	b := r.ReadByteSlice()
	if len(b) != 3 || b[0] != 1 || b[2] != 3 {
		t.Fatalf("expected byte slice [1 2 3], got %v", b)
	}
	v := r.ReadVector3()
	if v.X != 1 || v.Y != -2 || v.Z != 3 {
		t.Fatalf("expected vector (1,-2,3), got %+v", v)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("expected no reader error, got %v", err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected empty reader, %d bytes left", r.Remaining())
	}
}

func TestVarUintBoundaries(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1<<32 - 1, 1<<63 + 5, math.MaxUint64}
	w := NewWriter()
	for _, v := range values {
		w.WriteVarUint(v)
	}
	r := NewReader(w.Bytes())
	for _, v := range values {
		if got := r.ReadVarUint(); got != v {
			t.Fatalf("expected varint %d, got %d", v, got)
		}
	}
	if err := r.Err(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestTruncatedReadsDefault(t *testing.T) {
	r := NewReader([]byte{0x01})
	if got := r.ReadU32(); got != 0 {
		t.Fatalf("expected truncated u32 to default to 0, got %d", got)
	}
	if r.Err() == nil {
		t.Fatalf("expected sticky truncation error")
	}
	// Later reads keep returning defaults without panicking.
	if got := r.ReadString(); got != "" {
		t.Fatalf("expected empty string after error, got %q", got)
	}
}

func TestStringLengthBeyondPayload(t *testing.T) {
	w := NewWriter()
	w.WriteVarUint(1000)
	w.WriteRaw([]byte("short"))
	r := NewReader(w.Bytes())
	if got := r.ReadString(); got != "" {
		t.Fatalf("expected empty string for overlong length, got %q", got)
	}
	if r.Err() == nil {
		t.Fatalf("expected truncation error for overlong length prefix")
	}
}

func TestPackedQuaternionRoundTrip(t *testing.T) {
	cases := []Quaternion{
		QuaternionIdentity,
		{W: 0.7071, X: 0, Y: 0.7071, Z: 0},
		{W: 0.5, X: 0.5, Y: 0.5, Z: 0.5},
		{W: 2, X: 0, Y: 0, Z: 0}, // normalized before packing
	}
	for _, q := range cases {
		w := NewWriter()
		w.WritePackedQuaternion(q)
		if w.Len() != 8 {
			t.Fatalf("expected packed quaternion to take 8 bytes, got %d", w.Len())
		}
		r := NewReader(w.Bytes())
		got := r.ReadPackedQuaternion()
		want := q.Normalized()
		const tol = 1.0 / 32767 * 2
		if math.Abs(float64(got.W-want.W)) > tol ||
			math.Abs(float64(got.X-want.X)) > tol ||
			math.Abs(float64(got.Y-want.Y)) > tol ||
			math.Abs(float64(got.Z-want.Z)) > tol {
			t.Fatalf("expected quaternion near %+v, got %+v", want, got)
		}
	}
}

func TestNetIDLocalNeverSent(t *testing.T) {
	w := NewWriter()
	w.WriteNetID(42)
	w.WriteNetID(FirstLocalID + 9)
	r := NewReader(w.Bytes())
	if got := r.ReadNetID(); got != 42 {
		t.Fatalf("expected replicated id 42, got %d", got)
	}
	if got := r.ReadNetID(); got != 0 {
		t.Fatalf("expected local id to arrive as 0, got %d", got)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestVariantMapRoundTripAndDeterminism(t *testing.T) {
	m := VariantMap{}
	m.SetString("name", "torch")
	m.SetString("fuel", int32(30))
	m.SetString("lit", true)
	m.SetString("heat", float32(0.75))
	m.SetString("spawn", Vector3{X: 4, Y: 0, Z: -1})

	w := NewWriter()
	w.WriteVariantMap(m)
	first := append([]byte(nil), w.Bytes()...)

	w2 := NewWriter()
	w2.WriteVariantMap(m)
	if string(first) != string(w2.Bytes()) {
		t.Fatalf("expected deterministic variant map encoding")
	}

	r := NewReader(first)
	got := r.ReadVariantMap()
	if err := r.Err(); err != nil {
		t.Fatalf("expected clean decode, got %v", err)
	}
	if len(got) != len(m) {
		t.Fatalf("expected %d entries, got %d", len(m), len(got))
	}
	if v, _ := got.GetString("fuel"); v != int32(30) {
		t.Fatalf("expected fuel 30, got %v", v)
	}
	if v, _ := got.GetString("name"); v != "torch" {
		t.Fatalf("expected name torch, got %v", v)
	}
	if v, _ := got.GetString("spawn"); v != (Vector3{X: 4, Y: 0, Z: -1}) {
		t.Fatalf("expected spawn vector, got %v", v)
	}
}

func TestUnknownMessageIDString(t *testing.T) {
	if MsgCreateNode.String() != "CreateNode" {
		t.Fatalf("expected CreateNode name, got %q", MsgCreateNode.String())
	}
	if MessageID(200).Known() {
		t.Fatalf("expected id 200 to be unknown")
	}
}
