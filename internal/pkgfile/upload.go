package pkgfile

import (
	"errors"
	"io"
	"os"

	"github.com/klauspost/compress/s2"
)

// Upload streams one package to a peer, one fragment per server tick while
// the connection's outbox has room. Fragments are s2-compressed on the wire.
type Upload struct {
	stamp Stamp
	file  *os.File
	next  uint32
	total uint32
}

// OpenUpload opens the package file and positions the fragment cursor at the
// start.
func OpenUpload(path string) (*Upload, error) {
	stamp, err := StampFile(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Upload{
		stamp: stamp,
		file:  f,
		total: stamp.FragmentCount(),
	}, nil
}

// Stamp returns the package identity being uploaded.
func (u *Upload) Stamp() Stamp {
	return u.stamp
}

// NameHash returns the wire identifier for the package.
func (u *Upload) NameHash() uint64 {
	return u.stamp.NameHash()
}

// Done reports whether every fragment has been produced.
func (u *Upload) Done() bool {
	return u.next >= u.total
}

// NextFragment reads and compresses the next fragment, advancing the cursor.
// The returned index is the fragment's position; data is the compressed
// payload. Calling past the end returns done without data.
func (u *Upload) NextFragment() (index uint32, data []byte, done bool, err error) {
	if u.Done() {
		return 0, nil, true, nil
	}
	index = u.next
	raw := make([]byte, FragmentSize)
	n, err := u.file.ReadAt(raw, int64(index)*FragmentSize)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		// A short read is expected only on the final fragment.
		return index, nil, false, err
	}
	u.next++
	data = s2.Encode(nil, raw[:n])
	return index, data, u.Done(), nil
}

// Close releases the underlying file.
func (u *Upload) Close() error {
	return u.file.Close()
}
