package pkgfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/s2"
)

// Download reassembles one package from fragments that may arrive out of
// order or duplicated. Completion is judged by received-fragment count, never
// by index equality, so reordering and duplicates are harmless.
type Download struct {
	stamp     Stamp
	destPath  string
	file      *os.File
	received  map[uint32]struct{}
	total     uint32
	initiated bool
}

// NewDownload prepares a download into destDir. The file is created when the
// download is initiated, not when it is queued.
func NewDownload(stamp Stamp, destDir string) *Download {
	return &Download{
		stamp:    stamp,
		destPath: filepath.Join(destDir, stamp.Name),
		received: make(map[uint32]struct{}),
		total:    stamp.FragmentCount(),
	}
}

// Stamp returns the package identity being downloaded.
func (d *Download) Stamp() Stamp {
	return d.stamp
}

// Path returns the destination file path.
func (d *Download) Path() string {
	return d.destPath
}

// Initiated reports whether the download has been actively requested.
func (d *Download) Initiated() bool {
	return d.initiated
}

// Initiate opens the destination file for writing. Only one download per
// connection is initiated at a time; the rest wait in the queue.
func (d *Download) Initiate() error {
	if d.initiated {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(d.destPath)
	if err != nil {
		return err
	}
	d.file = f
	d.initiated = true
	return nil
}

// WriteFragment decompresses and writes one fragment at index*FragmentSize.
// It returns whether the download is now complete. Duplicate indices are
// counted once.
func (d *Download) WriteFragment(index uint32, compressed []byte) (complete bool, err error) {
	if !d.initiated {
		return false, fmt.Errorf("pkgfile: fragment for uninitiated download %q", d.stamp.Name)
	}
	if index >= d.total {
		return false, ErrFragmentRange
	}
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return false, fmt.Errorf("pkgfile: fragment %d decompress: %w", index, err)
	}
	if _, err := d.file.WriteAt(raw, int64(index)*FragmentSize); err != nil {
		return false, err
	}
	d.received[index] = struct{}{}
	return uint32(len(d.received)) == d.total, nil
}

// Finalize closes the file and verifies the reassembled contents against the
// stamp.
func (d *Download) Finalize() error {
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return err
		}
		d.file = nil
	}
	actual, err := StampFile(d.destPath)
	if err != nil {
		return err
	}
	if actual.Size != d.stamp.Size || actual.Checksum != d.stamp.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Abort closes and removes any partial file.
func (d *Download) Abort() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	if d.initiated {
		os.Remove(d.destPath)
	}
}

// DownloadQueue holds a connection's pending downloads in arrival order.
// There is no application-level retry: if the transport silently drops a
// request the join stalls, matching the reference behavior.
type DownloadQueue struct {
	queue []*Download
}

// Enqueue appends a download.
func (q *DownloadQueue) Enqueue(d *Download) {
	q.queue = append(q.queue, d)
}

// Active returns the download at the head of the queue, if any.
func (q *DownloadQueue) Active() (*Download, bool) {
	if len(q.queue) == 0 {
		return nil, false
	}
	return q.queue[0], true
}

// ByNameHash finds a queued download by the wire name hash.
func (q *DownloadQueue) ByNameHash(hash uint64) (*Download, bool) {
	for _, d := range q.queue {
		if d.stamp.NameHash() == hash {
			return d, true
		}
	}
	return nil, false
}

// Pop removes the head of the queue and returns the next download to
// initiate, if any.
func (q *DownloadQueue) Pop() (*Download, bool) {
	if len(q.queue) == 0 {
		return nil, false
	}
	q.queue = q.queue[1:]
	return q.Active()
}

// Len returns the number of queued downloads, including the active one.
func (q *DownloadQueue) Len() int {
	return len(q.queue)
}

// Clear aborts every queued download. Used when a package failure voids the
// whole scene-join attempt.
func (q *DownloadQueue) Clear() {
	for _, d := range q.queue {
		d.Abort()
	}
	q.queue = nil
}
