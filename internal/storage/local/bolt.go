package local

import (
	"bytes"
	"fmt"
	"io"

	"go.etcd.io/bbolt"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
)

var bucketBlobs = []byte("blobs") // bucket name inside bbolt

// BoltStore is a BlobStore backed by one key in a bbolt database.
//
// Each Write is a single bbolt transaction, so after a crash the key holds
// either the previous blob or the new one. Several BoltStores may share a
// database file by opening it once with OpenBoltDB and calling Blob.
type BoltStore struct {
	db    *bbolt.DB
	key   []byte
	owned bool
}

var _ storage.BlobStore = (*BoltStore)(nil)

// OpenBolt opens (or creates) the bbolt database at path and returns a store
// for the blob called name. Close releases the database.
func OpenBolt(path, name string) (*BoltStore, error) {
	db, err := OpenBoltDB(path)
	if err != nil {
		return nil, err
	}
	s := Blob(db, name)
	s.owned = true
	return s, nil
}

// OpenBoltDB opens (or creates) a bbolt database at path with the blob bucket
// in place.
func OpenBoltDB(path string) (*bbolt.DB, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return db, nil
}

// Blob returns a store for the blob called name inside db. The caller keeps
// ownership of db.
func Blob(db *bbolt.DB, name string) *BoltStore {
	return &BoltStore{db: db, key: []byte(name)}
}

// Write implements storage.BlobStore.
func (s *BoltStore) Write(fn func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	val := seal(buf.Bytes())
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put(s.key, val)
	}); err != nil {
		return fmt.Errorf("bolt: put %s: %w", s.key, err)
	}
	return nil
}

// Read implements storage.BlobStore.
func (s *BoltStore) Read(fn func(r io.Reader) error) error {
	var val []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get(s.key)
		if v == nil {
			return storage.ErrNotFound
		}
		// v is only valid inside the transaction.
		val = bytes.Clone(v)
		return nil
	}); err != nil {
		return err
	}
	return deliver(val, "bolt: "+string(s.key), fn)
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *BoltStore) Delete() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete(s.key)
	})
}

// Close closes the database if this store opened it.
func (s *BoltStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
