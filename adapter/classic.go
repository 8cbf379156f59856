package adapter

import (
	"github.com/radb-project/radb"
	"github.com/radb-project/radb/blobstore"
	"github.com/radb-project/radb/classicindex"
	"github.com/radb-project/radb/slabstore"
)

// ClassicString is a classic open-addressed index over arbitrary-length
// byte-string keys held in a blob store. Both live under one prefix:
// "<prefix>.index" plus the blob store's "<prefix>.entries"/".data".
type ClassicString struct {
	Index *classicindex.Index
	Keys  *blobstore.Store
}

// CreateClassicString creates the backing blob store and a fresh index.
// nodeSize and chunkSize configure the blob store.
func CreateClassicString(prefix string, nodeSize, chunkSize uint32) (*ClassicString, error) {
	keys, err := blobstore.Create(prefix, nodeSize, chunkSize)
	if err != nil {
		return nil, keysError(err)
	}
	a := Blob{Store: keys}
	idx, err := classicindex.Create(prefix, radb.SignatureClassicStringIndex, 0, a.Callbacks())
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &ClassicString{Index: idx, Keys: keys}, nil
}

// OpenClassicString opens an existing index and its backing blob store.
// Failures in the key store are reported through the ErrKeys* family.
func OpenClassicString(prefix string) (*ClassicString, error) {
	keys, err := blobstore.Open(prefix)
	if err != nil {
		return nil, keysError(err)
	}
	a := Blob{Store: keys}
	idx, err := classicindex.Open(prefix, a.Callbacks())
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &ClassicString{Index: idx, Keys: keys}, nil
}

// Close closes the index and its key store.
func (s *ClassicString) Close() error {
	err1 := s.Keys.Close()
	err2 := s.Index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Insert returns the handle for key, creating an entry if absent.
func (s *ClassicString) Insert(key []byte) (radb.Handle, bool, error) {
	return s.Index.Insert(key)
}

// Search returns the handle for key, or (Invalid, false) if absent.
func (s *ClassicString) Search(key []byte) (radb.Handle, bool, error) {
	return s.Index.Search(key)
}

// Delete removes key, releasing its blob, and returns the retired handle.
func (s *ClassicString) Delete(key []byte) (radb.Handle, bool, error) {
	return s.Index.Delete(key)
}

// Get returns the key bytes stored at handle h.
func (s *ClassicString) Get(h radb.Handle) ([]byte, error) {
	return Blob{Store: s.Keys}.KeyBytes(h)
}

// Size returns the length of the key stored at handle h.
func (s *ClassicString) Size(h radb.Handle) (uint32, error) { return s.Keys.Size(h) }

// NumEntries returns the number of live keys.
func (s *ClassicString) NumEntries() uint32 { return s.Index.NumEntries() }

// NumDeleted returns the current tombstone count.
func (s *ClassicString) NumDeleted() uint32 { return s.Index.NumDeleted() }

// Foreach visits every live handle in bucket order.
func (s *ClassicString) Foreach(fn func(h radb.Handle) bool) { s.Index.Foreach(fn) }

// ClassicFixed is a classic open-addressed index over fixed-width keys
// held in a slab store.
type ClassicFixed struct {
	Index *classicindex.Index
	Keys  *slabstore.Store

	keySize uint32
}

// CreateClassicFixed creates the backing slab store and a fresh index over
// keys of exactly keySize bytes. chunkSize configures the slab store's
// growth granularity in records.
func CreateClassicFixed(prefix string, keySize, chunkSize uint32) (*ClassicFixed, error) {
	keys, err := slabstore.Create(prefix, keySize, chunkSize)
	if err != nil {
		return nil, keysError(err)
	}
	a := Fixed{Store: keys}
	idx, err := classicindex.Create(prefix, radb.SignatureClassicFixedIndex, keySize, a.Callbacks())
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &ClassicFixed{Index: idx, Keys: keys, keySize: keySize}, nil
}

// OpenClassicFixed opens an existing index and its backing slab store.
// Failures in the key store are reported through the ErrKeys* family.
func OpenClassicFixed(prefix string) (*ClassicFixed, error) {
	keys, err := slabstore.Open(prefix)
	if err != nil {
		return nil, keysError(err)
	}
	a := Fixed{Store: keys}
	idx, err := classicindex.Open(prefix, a.Callbacks())
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &ClassicFixed{Index: idx, Keys: keys, keySize: idx.KeySize()}, nil
}

// Close closes the index and its key store.
func (s *ClassicFixed) Close() error {
	err1 := s.Keys.Close()
	err2 := s.Index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// KeySize returns the index's fixed key width in bytes.
func (s *ClassicFixed) KeySize() uint32 { return s.keySize }

// Insert returns the handle for key, creating an entry if absent. key must
// be exactly KeySize bytes.
func (s *ClassicFixed) Insert(key []byte) (radb.Handle, bool, error) {
	return s.Index.Insert(key[:s.keySize])
}

// Search returns the handle for key, or (Invalid, false) if absent.
func (s *ClassicFixed) Search(key []byte) (radb.Handle, bool, error) {
	return s.Index.Search(key[:s.keySize])
}

// Delete removes key, releasing its record, and returns the retired handle.
func (s *ClassicFixed) Delete(key []byte) (radb.Handle, bool, error) {
	return s.Index.Delete(key[:s.keySize])
}

// Get returns the record stored at handle h.
func (s *ClassicFixed) Get(h radb.Handle) ([]byte, error) {
	rec, err := s.Keys.Get(h)
	if err != nil {
		return nil, err
	}
	return rec[:s.keySize], nil
}

// NumEntries returns the number of live keys.
func (s *ClassicFixed) NumEntries() uint32 { return s.Index.NumEntries() }

// NumDeleted returns the current tombstone count.
func (s *ClassicFixed) NumDeleted() uint32 { return s.Index.NumDeleted() }

// Foreach visits every live handle in bucket order.
func (s *ClassicFixed) Foreach(fn func(h radb.Handle) bool) { s.Index.Foreach(fn) }
