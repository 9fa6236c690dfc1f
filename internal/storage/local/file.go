package local

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
)

// FileStore is a BlobStore backed by a single file.
//
// Write path:
//  1. write the envelope to <name>.blob.tmp and fsync it
//  2. rename <name>.blob.tmp → <name>.blob (atomic on POSIX)
//  3. fsync the directory so the rename itself is durable
//
// A crash before step 2 leaves the previous blob in place; a stray .tmp file
// is overwritten by the next Write.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	path string
}

var _ storage.BlobStore = (*FileStore)(nil)

// OpenFile returns a FileStore for the blob called name under dir, creating
// dir if needed.
func OpenFile(dir, name string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("file: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, path: filepath.Join(dir, name+".blob")}, nil
}

// Path returns the filesystem path of the blob.
func (s *FileStore) Path() string { return s.path }

// Write implements storage.BlobStore.
func (s *FileStore) Write(fn func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	val := seal(buf.Bytes())

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("file: open tmp: %w", err)
	}
	if _, err := f.Write(val); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("file: rename tmp to blob: %w", err)
	}
	syncDir(s.dir)
	return nil
}

// Read implements storage.BlobStore.
func (s *FileStore) Read(fn func(r io.Reader) error) error {
	s.mu.Lock()
	buf, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("file: read %s: %w", s.path, err)
	}
	return deliver(buf, "file: "+s.path, fn)
}

// Close is a no-op; every Write closes its file.
func (s *FileStore) Close() error { return nil }

// syncDir fsyncs a directory. Some filesystems refuse this; the rename has
// already happened, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
