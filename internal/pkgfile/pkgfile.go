// Package pkgfile implements chunked transfer of asset packages: stamping
// files with size and checksum, fragmenting them for upload, and reassembling
// out-of-order fragments on download.
package pkgfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// FragmentSize is the fixed fragment payload size shared by both peers.
// Fragment count for a package is ceil(size / FragmentSize).
const FragmentSize = 1200

// MaxConcurrentDownloadsPerConnection bounds how many downloads a connection
// drives at once. One at a time is a deliberate policy: it bounds file
// handles and keeps fragment streams from competing for bandwidth.
const MaxConcurrentDownloadsPerConnection = 1

// ErrFragmentRange reports a fragment index outside the package.
var ErrFragmentRange = errors.New("pkgfile: fragment index out of range")

// ErrChecksumMismatch reports a completed download whose contents do not
// match the advertised stamp.
var ErrChecksumMismatch = errors.New("pkgfile: checksum mismatch")

// Stamp identifies a package by name, size, and content checksum. Clients
// compare stamps against local files to decide whether a download is needed.
type Stamp struct {
	Name     string
	Size     uint64
	Checksum uint64
}

// NameHash returns the wire identifier for the package name.
func (s Stamp) NameHash() uint64 {
	return xxhash.Sum64String(s.Name)
}

// FragmentCount returns how many fragments the package occupies.
func (s Stamp) FragmentCount() uint32 {
	return FragmentCount(s.Size)
}

// FragmentCount returns ceil(size / FragmentSize).
func FragmentCount(size uint64) uint32 {
	if size == 0 {
		return 0
	}
	return uint32((size + FragmentSize - 1) / FragmentSize)
}

// StampFile hashes a file's contents and returns its stamp. The name is the
// file's base name, which is what travels in LoadScene package lists.
func StampFile(path string) (Stamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stamp{}, err
	}
	defer f.Close()

	h := xxhash.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{
		Name:     filepath.Base(path),
		Size:     uint64(size),
		Checksum: h.Sum64(),
	}, nil
}

// Matches reports whether the file at path exists with the stamped size and
// checksum. Any read failure counts as a mismatch, not an error: the caller's
// fallback is simply to download.
func (s Stamp) Matches(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || uint64(info.Size()) != s.Size {
		return false
	}
	actual, err := StampFile(path)
	if err != nil {
		return false
	}
	return actual.Checksum == s.Checksum
}

// Locate searches the given directories in order for a file matching the
// stamp and returns its path.
func (s Stamp) Locate(dirs ...string) (string, bool) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, s.Name)
		if s.Matches(path) {
			return path, true
		}
	}
	return "", false
}
