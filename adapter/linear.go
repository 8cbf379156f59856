package adapter

import (
	"github.com/radb-project/radb"
	"github.com/radb-project/radb/blobstore"
	"github.com/radb-project/radb/linearindex"
	"github.com/radb-project/radb/slabstore"
)

const linearKeyLen = linearindex.KeyLen

// LinearString is a linear-hashing index over arbitrary-length byte-string
// keys held in a blob store. Keys shorter than the inline cell width are
// resolved entirely inside the index; longer keys fall through to the blob
// store's streaming comparison.
type LinearString struct {
	Index *linearindex.Index
	Keys  *blobstore.Store
}

// CreateLinearString creates the backing blob store and a fresh index.
func CreateLinearString(prefix string, nodeSize, chunkSize uint32) (*LinearString, error) {
	keys, err := blobstore.Create(prefix, nodeSize, chunkSize)
	if err != nil {
		return nil, keysError(err)
	}
	idx, err := linearindex.Create(prefix)
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &LinearString{Index: idx, Keys: keys}, nil
}

// OpenLinearString opens an existing index and its backing blob store.
// Failures in the key store are reported through the ErrKeys* family.
func OpenLinearString(prefix string) (*LinearString, error) {
	keys, err := blobstore.Open(prefix)
	if err != nil {
		return nil, keysError(err)
	}
	idx, err := linearindex.Open(prefix)
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &LinearString{Index: idx, Keys: keys}, nil
}

// Close closes the index and its key store.
func (s *LinearString) Close() error {
	err1 := s.Keys.Close()
	err2 := s.Index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// compare resolves a candidate match. The inline cell key has already
// matched byte-for-byte by the time this runs, so a key short enough to
// fit inline needs no store lookup at all.
func (s *LinearString) compare(key []byte, h radb.Handle) (int, error) {
	if len(key) < linearKeyLen {
		return 0, nil
	}
	return s.Keys.Compare(key, h)
}

func (s *LinearString) insert(key []byte) (radb.Handle, error) {
	return Blob{Store: s.Keys}.Insert(key)
}

// Insert returns the handle for key, creating an entry if absent.
func (s *LinearString) Insert(key []byte) (radb.Handle, bool, error) {
	hash := radb.Hash32(key)
	return s.Index.Insert(hash, InlineKey(key), key, s.compare, s.insert)
}

// Search returns the handle for key, or (Invalid, false) if absent.
func (s *LinearString) Search(key []byte) (radb.Handle, bool, error) {
	hash := radb.Hash32(key)
	return s.Index.Search(hash, InlineKey(key), key, s.compare)
}

// Delete removes key, releasing its blob, and returns the retired handle.
func (s *LinearString) Delete(key []byte) (radb.Handle, bool, error) {
	hash := radb.Hash32(key)
	h, ok, err := s.Index.Delete(hash, InlineKey(key), key, s.compare)
	if err != nil || !ok {
		return h, ok, err
	}
	if err := s.Keys.Free(h); err != nil {
		return h, true, err
	}
	return h, true, nil
}

// Get returns the key bytes stored at handle h.
func (s *LinearString) Get(h radb.Handle) ([]byte, error) {
	return Blob{Store: s.Keys}.KeyBytes(h)
}

// Size returns the length of the key stored at handle h.
func (s *LinearString) Size(h radb.Handle) (uint32, error) { return s.Keys.Size(h) }

// Count returns the number of live keys.
func (s *LinearString) Count() uint32 { return s.Index.Count() }

// LinearFixed is a linear-hashing index over fixed-width keys held in a
// slab store. The key width is persisted in the index header's extra word,
// so reopening needs no out-of-band configuration. Widths at or below the
// inline cell width never consult the slab store during lookups.
type LinearFixed struct {
	Index *linearindex.Index
	Keys  *slabstore.Store

	keySize uint32
}

// CreateLinearFixed creates the backing slab store and a fresh index over
// keys of exactly keySize bytes.
func CreateLinearFixed(prefix string, keySize, chunkSize uint32) (*LinearFixed, error) {
	keys, err := slabstore.Create(prefix, keySize, chunkSize)
	if err != nil {
		return nil, keysError(err)
	}
	idx, err := linearindex.Create(prefix)
	if err != nil {
		keys.Close()
		return nil, err
	}
	idx.SetExtra(keySize)
	return &LinearFixed{Index: idx, Keys: keys, keySize: keySize}, nil
}

// OpenLinearFixed opens an existing index and its backing slab store,
// recovering the key width from the index header. Failures in the key
// store are reported through the ErrKeys* family.
func OpenLinearFixed(prefix string) (*LinearFixed, error) {
	keys, err := slabstore.Open(prefix)
	if err != nil {
		return nil, keysError(err)
	}
	idx, err := linearindex.Open(prefix)
	if err != nil {
		keys.Close()
		return nil, err
	}
	return &LinearFixed{Index: idx, Keys: keys, keySize: idx.GetExtra()}, nil
}

// Close closes the index and its key store.
func (s *LinearFixed) Close() error {
	err1 := s.Keys.Close()
	err2 := s.Index.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// KeySize returns the index's fixed key width in bytes.
func (s *LinearFixed) KeySize() uint32 { return s.keySize }

func (s *LinearFixed) compare(key []byte, h radb.Handle) (int, error) {
	if s.keySize <= linearKeyLen {
		return 0, nil
	}
	return Fixed{Store: s.Keys}.Compare(key, h)
}

func (s *LinearFixed) insert(key []byte) (radb.Handle, error) {
	return Fixed{Store: s.Keys}.Insert(key)
}

// Insert returns the handle for key, creating an entry if absent. key must
// be exactly KeySize bytes.
func (s *LinearFixed) Insert(key []byte) (radb.Handle, bool, error) {
	key = key[:s.keySize]
	hash := radb.Hash32(key)
	return s.Index.Insert(hash, FixedInlineKey(key), key, s.compare, s.insert)
}

// Search returns the handle for key, or (Invalid, false) if absent.
func (s *LinearFixed) Search(key []byte) (radb.Handle, bool, error) {
	key = key[:s.keySize]
	hash := radb.Hash32(key)
	return s.Index.Search(hash, FixedInlineKey(key), key, s.compare)
}

// Delete removes key, releasing its record, and returns the retired handle.
func (s *LinearFixed) Delete(key []byte) (radb.Handle, bool, error) {
	key = key[:s.keySize]
	hash := radb.Hash32(key)
	h, ok, err := s.Index.Delete(hash, FixedInlineKey(key), key, s.compare)
	if err != nil || !ok {
		return h, ok, err
	}
	if err := s.Keys.Free(h); err != nil {
		return h, true, err
	}
	return h, true, nil
}

// Get returns the record stored at handle h.
func (s *LinearFixed) Get(h radb.Handle) ([]byte, error) {
	rec, err := s.Keys.Get(h)
	if err != nil {
		return nil, err
	}
	return rec[:s.keySize], nil
}

// Count returns the number of live keys.
func (s *LinearFixed) Count() uint32 { return s.Index.Count() }
