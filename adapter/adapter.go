// Package adapter connects the two index implementations to the two
// backing stores. The indexes never access a backing store themselves: they
// call out through caller-supplied callbacks (compare and insert, plus
// release and key retrieval for the classic index) to whatever store holds
// the full keys. This package supplies those callbacks for fixed-width
// records in a slabstore and variable-length blobs in a blobstore, plus
// ready-made index types that bundle a store and an index behind a plain
// key-based API.
package adapter

import (
	"bytes"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/blobstore"
	"github.com/radb-project/radb/classicindex"
	"github.com/radb-project/radb/slabstore"
)

// keysError shifts a store-level open error into its keys-prefixed
// counterpart, so a caller opening a composed index can tell whether the
// bucket file or the backing key store was at fault.
func keysError(err error) error {
	switch err {
	case radb.ErrFileNotFound:
		return radb.ErrKeysFileNotFound
	case radb.ErrHeaderMismatch:
		return radb.ErrKeysHeaderMismatch
	case radb.ErrHeaderCorrupted:
		return radb.ErrKeysHeaderCorrupted
	}
	return err
}

// Fixed adapts a slabstore.Store of fixed-width records into the callback
// set an index needs.
type Fixed struct {
	Store *slabstore.Store
}

func (a Fixed) Compare(key []byte, h radb.Handle) (int, error) {
	rec, err := a.Store.Get(h)
	if err != nil {
		return 0, err
	}
	n := len(key)
	if len(rec) < n {
		n = len(rec)
	}
	return bytes.Compare(key, rec[:n]), nil
}

func (a Fixed) Insert(key []byte) (radb.Handle, error) {
	h, rec, err := a.Store.Alloc()
	if err != nil {
		return radb.Invalid, err
	}
	copy(rec, key)
	return h, nil
}

func (a Fixed) Release(h radb.Handle) error { return a.Store.Free(h) }

func (a Fixed) KeyBytes(h radb.Handle) ([]byte, error) {
	return a.Store.Get(h)
}

// Callbacks bundles the adapter's methods for classicindex.
func (a Fixed) Callbacks() classicindex.Callbacks {
	return classicindex.Callbacks{
		Compare:  a.Compare,
		Insert:   a.Insert,
		Release:  a.Release,
		KeyBytes: a.KeyBytes,
	}
}

// Blob adapts a blobstore.Store of variable-length blobs into the same
// callback set.
type Blob struct {
	Store *blobstore.Store
}

func (a Blob) Compare(key []byte, h radb.Handle) (int, error) {
	return a.Store.Compare(key, h)
}

func (a Blob) Insert(key []byte) (radb.Handle, error) {
	h, err := a.Store.Alloc()
	if err != nil {
		return radb.Invalid, err
	}
	if err := a.Store.Set(h, key); err != nil {
		return radb.Invalid, err
	}
	return h, nil
}

func (a Blob) Release(h radb.Handle) error { return a.Store.Free(h) }

func (a Blob) KeyBytes(h radb.Handle) ([]byte, error) {
	size, err := a.Store.Size(h)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := a.Store.Get(h, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Callbacks bundles the adapter's methods for classicindex.
func (a Blob) Callbacks() classicindex.Callbacks {
	return classicindex.Callbacks{
		Compare:  a.Compare,
		Insert:   a.Insert,
		Release:  a.Release,
		KeyBytes: a.KeyBytes,
	}
}

// InlineKey builds the 16-byte cell key for a variable-length key. A key
// shorter than 16 bytes is stored whole, zero-padded, and needs no store
// lookup to compare; a longer key contributes its first 15 bytes with the
// final byte set to 1, marking it as truncated so the comparison falls
// through to the backing store.
func InlineKey(key []byte) [linearKeyLen]byte {
	var out [linearKeyLen]byte
	if len(key) >= linearKeyLen {
		copy(out[:linearKeyLen-1], key)
		out[linearKeyLen-1] = 1
	} else {
		copy(out[:], key)
	}
	return out
}

// FixedInlineKey builds the 16-byte cell key for a fixed-width record:
// simply the record's first min(16, keySize) bytes. The width is constant
// per index, so no discriminator byte is needed.
func FixedInlineKey(key []byte) [linearKeyLen]byte {
	var out [linearKeyLen]byte
	copy(out[:], key)
	return out
}
