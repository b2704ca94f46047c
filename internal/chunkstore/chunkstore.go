// Package chunkstore maps (entry id, byte offset, length) to file I/O on a
// sparse file per cache entry. It performs no range bookkeeping of its
// own — the repository owns that — and is a passive resource shared by
// every other component.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/obslog"
)

// Store performs sparse-file I/O for cache entries rooted at a single
// cache directory. Safe for concurrent use: each call opens its own file
// handle and operates on disjoint regions (out-of-order, overlapping
// writes are first-class and never corrupt neighboring data).
type Store struct {
	cacheDir string
	log      *slog.Logger
}

// New returns a Store rooted at cacheDir, which must already exist.
func New(cacheDir string, logger *slog.Logger) *Store {
	return &Store{
		cacheDir: cacheDir,
		log:      obslog.Default(logger).With("component", "chunkstore"),
	}
}

// FilePath returns the deterministic on-disk path for entryID.
func (s *Store) FilePath(entryID int64) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("%d.cache", entryID))
}

// CreateFile creates the sparse file for entryID and sets its length to
// expectedSize. On filesystems without sparse-file support this may
// allocate the full size; that is acceptable.
func (s *Store) CreateFile(entryID, expectedSize int64) error {
	path := s.FilePath(entryID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return classify(err, "create_file", path)
	}
	defer f.Close()
	if expectedSize > 0 {
		if err := f.Truncate(expectedSize); err != nil {
			return classify(err, "create_file", path)
		}
	}
	return nil
}

// WriteChunk opens-or-creates the entry's file, seeks to offset, writes
// data, and flushes before returning so that readers in the same process
// observe the bytes.
func (s *Store) WriteChunk(entryID, offset int64, data []byte) error {
	path := s.FilePath(entryID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return classify(err, "write_chunk", path)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return classify(err, "write_chunk", path)
	}
	if err := f.Sync(); err != nil {
		return classify(err, "write_chunk", path)
	}
	return nil
}

// ReadRange reads exactly length bytes starting at start. Returns
// cachecore.IoError wrapping io.ErrUnexpectedEOF if the file is shorter;
// the caller decides whether to wait for more data to land.
func (s *Store) ReadRange(entryID, start, length int64) ([]byte, error) {
	path := s.FilePath(entryID)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &cachecore.NotFoundError{Resource: path}
		}
		return nil, classify(err, "read_range", path)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, classify(err, "read_range", path)
	}
	if n < len(buf) {
		return buf[:n], &cachecore.IoError{Op: "read_range", Err: io.ErrUnexpectedEOF}
	}
	return buf, nil
}

// ReadChunk is a best-effort read of up to chunkSize bytes starting at the
// chunk's offset; the returned slice is truncated to the bytes actually
// read (no error on short read, unlike ReadRange).
func (s *Store) ReadChunk(entryID, chunkIndex, chunkSize int64) ([]byte, error) {
	path := s.FilePath(entryID)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &cachecore.NotFoundError{Resource: path}
		}
		return nil, classify(err, "read_chunk", path)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, chunkIndex*chunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, classify(err, "read_chunk", path)
	}
	return buf[:n], nil
}

// DeleteFile idempotently removes entryID's sparse file.
func (s *Store) DeleteFile(entryID int64) error {
	path := s.FilePath(entryID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classify(err, "delete_file", path)
	}
	return nil
}

// FileExists reports whether entryID's sparse file exists.
func (s *Store) FileExists(entryID int64) bool {
	_, err := os.Stat(s.FilePath(entryID))
	return err == nil
}

// FileSize returns the current on-disk size of entryID's sparse file.
func (s *Store) FileSize(entryID int64) (int64, error) {
	path := s.FilePath(entryID)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &cachecore.NotFoundError{Resource: path}
		}
		return 0, classify(err, "file_size", path)
	}
	return fi.Size(), nil
}

// classify turns a raw OS error into one of the cachecore error kinds,
// checking structured errno first, then PathError/LinkError unwrap, then a
// last-resort substring match for filesystems that return opaque errors
// (network mounts, FUSE passthrough).
func classify(err error, op, path string) error {
	if err == nil {
		return nil
	}
	if isDiskFull(err) {
		return &cachecore.DiskFullError{Err: err}
	}
	if errors.Is(err, os.ErrPermission) {
		return &cachecore.PermissionDeniedError{Path: path, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no space left on device") || strings.Contains(msg, "disk full") {
		return &cachecore.DiskFullError{Err: err}
	}
	if strings.Contains(msg, "permission denied") {
		return &cachecore.PermissionDeniedError{Path: path, Err: err}
	}
	return &cachecore.IoError{Op: op, Err: err}
}
