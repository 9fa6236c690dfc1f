// Package storage defines the BlobStore abstraction the delivery engine
// persists through.
//
// The engine only ever writes its whole state as one blob and reads it back
// once at start, so the contract is a single named blob that is replaced
// atomically: a reader always sees either the previous complete write or the
// new one, never a mix.
package storage

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrNotFound is returned by Read when nothing has been stored yet.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned by Read when the stored blob fails its integrity
// check.
var ErrCorrupted = errors.New("storage: blob corrupted")

// BlobStore holds one named blob.
//
// Implementations:
//   - local.BoltStore: bbolt bucket, ACID
//   - local.FileStore: single file, temp + fsync + rename
//   - MemoryStore: in-process, for tests
//
// All methods must be safe for concurrent use.
type BlobStore interface {
	// Write calls fn with a writer for the new blob content. The stored blob
	// is replaced only if fn returns nil and the content was committed; on any
	// error the previous blob is left intact.
	Write(fn func(w io.Writer) error) error

	// Read calls fn with a reader over the last committed blob.
	// Returns ErrNotFound if nothing was ever written.
	// Returns ErrCorrupted if the blob fails its integrity check. When only
	// the checksum is wrong fn is still called with the damaged content, so
	// a caller can salvage what decodes.
	Read(fn func(r io.Reader) error) error
}

// MemoryStore is a BlobStore kept in memory.
type MemoryStore struct {
	mu       sync.Mutex
	data     []byte
	set      bool
	writes   int
	writeErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Write implements BlobStore.
func (m *MemoryStore) Write(fn func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.data = buf.Bytes()
	m.set = true
	m.writes++
	return nil
}

// Read implements BlobStore.
func (m *MemoryStore) Read(fn func(r io.Reader) error) error {
	m.mu.Lock()
	if !m.set {
		m.mu.Unlock()
		return ErrNotFound
	}
	data := m.data
	m.mu.Unlock()
	return fn(bytes.NewReader(data))
}

// Bytes returns the committed blob, or nil.
func (m *MemoryStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data)
}

// Writes returns the number of committed writes.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWrites makes every later Write return err without committing.
// A nil err restores normal behaviour.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}
