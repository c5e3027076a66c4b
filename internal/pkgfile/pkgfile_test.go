package pkgfile

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeTempPackage(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write package: %v", err)
	}
	return path, data
}

func TestFragmentCount(t *testing.T) {
	cases := []struct {
		size uint64
		want uint32
	}{
		{0, 0},
		{1, 1},
		{1199, 1},
		{1200, 1},
		{1201, 2},
		{300000, 250},
	}
	for _, tc := range cases {
		if got := FragmentCount(tc.size); got != tc.want {
			t.Fatalf("expected %d fragments for size %d, got %d", tc.want, tc.size, got)
		}
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	// 300,000 bytes at fragment size 1,200 must be exactly 250 fragments.
	path, want := writeTempPackage(t, "world.pak", 300000)

	up, err := OpenUpload(path)
	if err != nil {
		t.Fatalf("failed to open upload: %v", err)
	}
	defer up.Close()
	if up.Stamp().FragmentCount() != 250 {
		t.Fatalf("expected 250 fragments, got %d", up.Stamp().FragmentCount())
	}

	type frag struct {
		index uint32
		data  []byte
	}
	var frags []frag
	for !up.Done() {
		index, data, _, err := up.NextFragment()
		if err != nil {
			t.Fatalf("fragment %d failed: %v", index, err)
		}
		frags = append(frags, frag{index: index, data: data})
	}
	if len(frags) != 250 {
		t.Fatalf("expected 250 produced fragments, got %d", len(frags))
	}

	// Deliver in reverse order, with one duplicate, and expect a
	// byte-identical file and exactly one completion signal.
	destDir := t.TempDir()
	down := NewDownload(up.Stamp(), destDir)
	if err := down.Initiate(); err != nil {
		t.Fatalf("failed to initiate download: %v", err)
	}
	completions := 0
	deliver := func(f frag) {
		complete, err := down.WriteFragment(f.index, f.data)
		if err != nil {
			t.Fatalf("write fragment %d failed: %v", f.index, err)
		}
		if complete {
			completions++
		}
	}
	deliver(frags[10])
	for i := len(frags) - 1; i >= 0; i-- {
		deliver(frags[i])
	}
	if completions != 1 {
		t.Fatalf("expected completion signaled exactly once, got %d", completions)
	}
	if err := down.Finalize(); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	got, err := os.ReadFile(down.Path())
	if err != nil {
		t.Fatalf("failed to read reassembled file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected reassembled file identical to source (%d vs %d bytes)", len(got), len(want))
	}
}

func TestZeroByteUploadStartsDone(t *testing.T) {
	path, _ := writeTempPackage(t, "empty.pak", 0)

	up, err := OpenUpload(path)
	if err != nil {
		t.Fatalf("failed to open upload: %v", err)
	}
	defer up.Close()
	if !up.Done() {
		t.Fatal("expected a zero-fragment upload to start done")
	}
	_, data, done, err := up.NextFragment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done || data != nil {
		t.Fatalf("expected done with no data, got done=%v len=%d", done, len(data))
	}
}

func TestDownloadRejectsOutOfRangeFragment(t *testing.T) {
	down := NewDownload(Stamp{Name: "tiny.pak", Size: 100, Checksum: 1}, t.TempDir())
	if err := down.Initiate(); err != nil {
		t.Fatalf("failed to initiate: %v", err)
	}
	defer down.Abort()
	if _, err := down.WriteFragment(5, nil); err != ErrFragmentRange {
		t.Fatalf("expected ErrFragmentRange, got %v", err)
	}
}

func TestFinalizeDetectsCorruption(t *testing.T) {
	path, _ := writeTempPackage(t, "a.pak", 2500)
	stamp, err := StampFile(path)
	if err != nil {
		t.Fatalf("stamp failed: %v", err)
	}
	stamp.Checksum++ // advertise a different file

	down := NewDownload(stamp, t.TempDir())
	if err := down.Initiate(); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	up, err := OpenUpload(path)
	if err != nil {
		t.Fatalf("open upload failed: %v", err)
	}
	defer up.Close()
	for !up.Done() {
		index, data, _, err := up.NextFragment()
		if err != nil {
			t.Fatalf("fragment failed: %v", err)
		}
		down.WriteFragment(index, data)
	}
	if err := down.Finalize(); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestStampMatchesAndLocate(t *testing.T) {
	path, _ := writeTempPackage(t, "b.pak", 4000)
	stamp, err := StampFile(path)
	if err != nil {
		t.Fatalf("stamp failed: %v", err)
	}
	if !stamp.Matches(path) {
		t.Fatalf("expected stamp to match its own file")
	}
	other := stamp
	other.Size++
	if other.Matches(path) {
		t.Fatalf("expected size mismatch to fail")
	}
	dir := filepath.Dir(path)
	if got, ok := stamp.Locate(t.TempDir(), dir); !ok || got != path {
		t.Fatalf("expected to locate %q, got %q ok=%v", path, got, ok)
	}
	if _, ok := stamp.Locate(t.TempDir()); ok {
		t.Fatalf("expected locate to miss in empty dir")
	}
}

func TestDownloadQueueSerialization(t *testing.T) {
	var q DownloadQueue
	a := NewDownload(Stamp{Name: "a.pak", Size: 10}, t.TempDir())
	b := NewDownload(Stamp{Name: "b.pak", Size: 10}, t.TempDir())
	q.Enqueue(a)
	q.Enqueue(b)

	active, ok := q.Active()
	if !ok || active != a {
		t.Fatalf("expected a to be active first")
	}
	if _, ok := q.ByNameHash(b.Stamp().NameHash()); !ok {
		t.Fatalf("expected to find b by name hash")
	}
	next, ok := q.Pop()
	if !ok || next != b {
		t.Fatalf("expected b to become active after pop")
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue after final pop")
	}
}
