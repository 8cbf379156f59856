// Package classicindex implements an open-addressed hash index: a
// power-of-two bucket table of (hash, link) slots probed with an always-odd
// stride derived from the hash, displacement-based insertion that keeps
// each probe chain's hashes non-increasing, and tombstone deletion. The
// index is agnostic to what a link points to — key comparison, insertion
// and release are supplied by the caller (see package adapter), so the same
// implementation serves both fixed-width and blob-backed keys.
package classicindex

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/continuity"
	"github.com/radb-project/radb/internal/mmapfile"
	"github.com/radb-project/radb/internal/rlog"
)

const (
	headerSize   = 24
	offSignature = 0
	offVersion   = 4
	offSize      = 8
	offSpace     = 12
	offDeleted   = 16
	offKeySize   = 20

	// Version (1,0) string-index files predate the deleted counter and
	// carry a 16-byte header.
	headerSizeV0 = 16

	slotSize = 8 // hash(4) + link(4)

	initialSize = 64

	invalidLink = uint32(radb.Invalid)
	deletedLink = uint32(radb.Deleted)
)

// Comparer compares key against the key already stored at handle h,
// returning a value with bytes.Compare's sign convention.
type Comparer func(key []byte, h radb.Handle) (int, error)

// Inserter stores key in the backing key store and returns its handle.
type Inserter func(key []byte) (radb.Handle, error)

// Releaser frees the backing store entry at handle h when its key is
// deleted. Delete calls it before tombstoning the slot, so a failed release
// leaves the entry in place.
type Releaser func(h radb.Handle) error

// KeyBytes retrieves the raw key bytes stored at handle h, used during
// displacement and rehash to order entries whose hashes collide.
type KeyBytes func(h radb.Handle) ([]byte, error)

// Callbacks parameterizes an Index over its backing key store.
type Callbacks struct {
	Compare  Comparer
	Insert   Inserter
	Release  Releaser
	KeyBytes KeyBytes
}

// Index is an open-addressed hash table over (hash, link) slots.
type Index struct {
	file    *mmapfile.File
	prefix  string
	keySize uint32
	cb      Callbacks
}

// Create creates a new index at prefix+".index" carrying the given
// signature (radb.SignatureClassicFixedIndex for fixed-width keys,
// radb.SignatureClassicStringIndex for blob-backed keys). keySize is
// recorded in the header for fixed-width indexes and is not otherwise
// interpreted here.
func Create(prefix string, signature string, keySize uint32, cb Callbacks) (*Index, error) {
	size := uint32(initialSize)
	f, err := mmapfile.Create(prefix+".index", int64(headerSize)+int64(size)*slotSize)
	if err != nil {
		return nil, err
	}
	idx := &Index{file: f, prefix: prefix, keySize: keySize, cb: cb}
	h := idx.header()
	binary.LittleEndian.PutUint32(h[offSignature:], radb.SignatureWord(signature))
	version := radb.MakeVersion(1, 0)
	if signature == radb.SignatureClassicStringIndex {
		version = radb.MakeVersion(1, 1)
	}
	binary.LittleEndian.PutUint32(h[offVersion:], version)
	binary.LittleEndian.PutUint32(h[offSize:], size)
	binary.LittleEndian.PutUint32(h[offSpace:], size)
	binary.LittleEndian.PutUint32(h[offDeleted:], 0)
	binary.LittleEndian.PutUint32(h[offKeySize:], keySize)
	for i := uint32(0); i < size; i++ {
		idx.setLinkAt(i, invalidLink)
	}
	return idx, nil
}

// Open opens an existing index at prefix+".index". A string index still in
// the (1,0) layout — 16-byte header, no deleted counter — is migrated on
// open: the upgraded header and slot array are written to the temp file,
// which then replaces the index atomically, the same protocol a rehash
// uses. Widening the header in place is never attempted.
func Open(prefix string, cb Callbacks) (*Index, error) {
	f, err := mmapfile.Open(prefix + ".index")
	if err != nil {
		return nil, radb.ErrFileNotFound
	}
	if f.Size() < headerSizeV0 {
		f.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	idx := &Index{file: f, prefix: prefix, cb: cb}
	raw := f.Bytes()
	sig := binary.LittleEndian.Uint32(raw[offSignature:])
	switch sig {
	case radb.SignatureWord(radb.SignatureClassicFixedIndex), radb.SignatureWord(radb.SignatureClassicStringIndex):
	default:
		f.Close()
		return nil, radb.ErrHeaderMismatch
	}
	version := binary.LittleEndian.Uint32(raw[offVersion:])
	if sig == radb.SignatureWord(radb.SignatureClassicStringIndex) && version == radb.MakeVersion(1, 0) {
		if err := idx.upgradeV0(); err != nil {
			idx.file.Close()
			return nil, err
		}
	}
	if idx.file.Size() < headerSize {
		idx.file.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	idx.keySize = binary.LittleEndian.Uint32(idx.header()[offKeySize:])
	if idx.size() == 0 || idx.size()&(idx.size()-1) != 0 {
		idx.file.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	return idx, nil
}

// upgradeV0 migrates a (1,0) string-index file to the (1,1) layout. The old
// format had no deletion support, so the new deleted counter starts at
// zero and the slot array carries over unchanged.
func (idx *Index) upgradeV0() error {
	old := idx.file.Bytes()
	size := binary.LittleEndian.Uint32(old[offSize:])
	space := binary.LittleEndian.Uint32(old[offSpace:])
	if int64(headerSizeV0)+int64(size)*slotSize > idx.file.Size() {
		return radb.ErrHeaderCorrupted
	}
	slots := old[headerSizeV0:]

	tempPath := idx.prefix + ".temp"
	newFile, err := mmapfile.Create(tempPath, int64(headerSize)+int64(size)*slotSize)
	if err != nil {
		return err
	}
	h := newFile.Bytes()
	binary.LittleEndian.PutUint32(h[offSignature:], radb.SignatureWord(radb.SignatureClassicStringIndex))
	binary.LittleEndian.PutUint32(h[offVersion:], radb.MakeVersion(1, 1))
	binary.LittleEndian.PutUint32(h[offSize:], size)
	binary.LittleEndian.PutUint32(h[offSpace:], space)
	binary.LittleEndian.PutUint32(h[offDeleted:], 0)
	binary.LittleEndian.PutUint32(h[offKeySize:], 0)
	copy(h[headerSize:], slots[:int64(size)*slotSize])

	err = continuity.New().
		Thenf("close old index", func() error { return idx.file.Close() }).
		Thenf("close upgraded index", func() error { return newFile.Close() }).
		Thenf("replace index file", func() error { return os.Rename(tempPath, idx.prefix+".index") }).
		Err()
	if err != nil {
		return err
	}
	reopened, err := mmapfile.Open(idx.prefix + ".index")
	if err != nil {
		return err
	}
	idx.file = reopened
	rlog.Info("classicindex: upgraded header", "prefix", idx.prefix, "from", "(1,0)", "to", "(1,1)")
	return nil
}

// Close unmaps and closes the index.
func (idx *Index) Close() error { return idx.file.Close() }

// Sync flushes the mapped bucket table to disk.
func (idx *Index) Sync() error { return idx.file.Sync() }

// NumEntries returns the number of live (non-tombstoned) entries.
func (idx *Index) NumEntries() uint32 {
	return idx.size() - idx.space() - idx.deleted()
}

// NumDeleted returns the current tombstone count.
func (idx *Index) NumDeleted() uint32 { return idx.deleted() }

// KeySize returns the key width recorded at creation; zero for
// variable-length (string) indexes.
func (idx *Index) KeySize() uint32 { return idx.keySize }

// Foreach visits every live handle in bucket order (not insertion order),
// invoking fn once per handle. Tombstoned slots are skipped. Iteration
// stops early if fn returns false.
func (idx *Index) Foreach(fn func(h radb.Handle) bool) {
	size := idx.size()
	for i := uint32(0); i < size; i++ {
		link := idx.linkAt(i)
		if link == invalidLink || link == deletedLink {
			continue
		}
		if !fn(radb.Handle(link)) {
			return
		}
	}
}

func (idx *Index) header() []byte { return idx.file.Bytes()[:headerSize] }

func (idx *Index) size() uint32  { return binary.LittleEndian.Uint32(idx.file.Bytes()[offSize:]) }
func (idx *Index) space() uint32 { return binary.LittleEndian.Uint32(idx.file.Bytes()[offSpace:]) }
func (idx *Index) setSpace(v uint32) {
	binary.LittleEndian.PutUint32(idx.file.Bytes()[offSpace:], v)
}
func (idx *Index) deleted() uint32 { return binary.LittleEndian.Uint32(idx.file.Bytes()[offDeleted:]) }
func (idx *Index) setDeleted(v uint32) {
	binary.LittleEndian.PutUint32(idx.file.Bytes()[offDeleted:], v)
}

func (idx *Index) slotOffset(i uint32) int64 { return int64(headerSize) + int64(i)*slotSize }
func (idx *Index) slotBytes(i uint32) []byte {
	off := idx.slotOffset(i)
	return idx.file.Bytes()[off : off+slotSize]
}
func (idx *Index) hashAt(i uint32) uint32 { return binary.LittleEndian.Uint32(idx.slotBytes(i)[0:4]) }
func (idx *Index) linkAt(i uint32) uint32 { return binary.LittleEndian.Uint32(idx.slotBytes(i)[4:8]) }
func (idx *Index) setSlotAt(i uint32, hash, link uint32) {
	s := idx.slotBytes(i)
	binary.LittleEndian.PutUint32(s[0:4], hash)
	binary.LittleEndian.PutUint32(s[4:8], link)
}
func (idx *Index) setLinkAt(i uint32, link uint32) {
	binary.LittleEndian.PutUint32(idx.slotBytes(i)[4:8], link)
}

// Probe chains are ordered by descending hash; ties are ordered by
// descending key. A lookup therefore stops at the first empty slot, the
// first hash below its own, or the first equal-hash key below its own.
// Tombstones keep their hash so the ordering survives deletion; only the
// key comparison is skipped for them.

// Search returns the handle stored under key, or (Invalid, false) if absent.
func (idx *Index) Search(key []byte) (radb.Handle, bool, error) {
	h := radb.Hash32(key)
	mask := idx.size() - 1
	incr := ((h >> 8) | 1) & mask
	index := h & mask
	for {
		link := idx.linkAt(index)
		if link == invalidLink {
			return radb.Invalid, false, nil
		}
		hh := idx.hashAt(index)
		if hh < h {
			return radb.Invalid, false, nil
		}
		if hh == h && link != deletedLink {
			c, err := idx.cb.Compare(key, radb.Handle(link))
			if err != nil {
				return radb.Invalid, false, err
			}
			if c > 0 {
				return radb.Invalid, false, nil
			}
			if c == 0 {
				return radb.Handle(link), true, nil
			}
		}
		index = (index + incr) & mask
	}
}

// Insert returns the handle for key, inserting it via the configured
// Inserter if not already present. The second return value reports whether
// a new entry was created.
func (idx *Index) Insert(key []byte) (radb.Handle, bool, error) {
	h := radb.Hash32(key)
	for {
		mask := idx.size() - 1
		incr := ((h >> 8) | 1) & mask
		index := h & mask
		for {
			link := idx.linkAt(index)
			if link == invalidLink {
				break
			}
			hh := idx.hashAt(index)
			if hh < h {
				break
			}
			if hh == h && link != deletedLink {
				c, err := idx.cb.Compare(key, radb.Handle(link))
				if err != nil {
					return radb.Invalid, false, err
				}
				if c > 0 {
					break
				}
				if c == 0 {
					return radb.Handle(link), false, nil
				}
			}
			index = (index + incr) & mask
		}

		space := idx.space()
		if space-1 <= idx.size()>>3 {
			if err := idx.rehash(space - 1); err != nil {
				return radb.Invalid, false, err
			}
			continue
		}
		idx.setSpace(space - 1)

		result, err := idx.cb.Insert(key)
		if err != nil {
			return radb.Invalid, false, err
		}

		// The slot taken over may hold a live entry or a tombstone; either
		// way its old content walks down its own probe sequence until it
		// lands on an empty slot or displaces something smaller. Tombstones
		// carry no key, so equal-hash positions are probed past rather than
		// compared.
		oldHash := idx.hashAt(index)
		oldLink := idx.linkAt(index)
		idx.setSlotAt(index, h, uint32(result))

		for oldLink != invalidLink {
			oi := ((oldHash >> 8) | 1) & mask
			for {
				index = (index + oi) & mask
				link := idx.linkAt(index)
				if link == invalidLink {
					idx.setSlotAt(index, oldHash, oldLink)
					oldLink = invalidLink
					break
				}
				hh := idx.hashAt(index)
				if hh < oldHash {
					newHash, newLink := hh, link
					idx.setSlotAt(index, oldHash, oldLink)
					oldHash, oldLink = newHash, newLink
					break
				}
				if hh == oldHash && link != deletedLink && oldLink != deletedLink {
					hKey, err := idx.cb.KeyBytes(radb.Handle(link))
					if err != nil {
						return radb.Invalid, false, err
					}
					c, err := idx.cb.Compare(hKey, radb.Handle(oldLink))
					if err != nil {
						return radb.Invalid, false, err
					}
					if c < 0 {
						newHash, newLink := hh, link
						idx.setSlotAt(index, oldHash, oldLink)
						oldHash, oldLink = newHash, newLink
						break
					}
				}
			}
		}
		return radb.Handle(result), true, nil
	}
}

// Delete tombstones key's slot, if present, releasing the backing store
// entry and returning its now-retired handle. The slot's hash field is left
// untouched so later probes still order themselves past it correctly.
func (idx *Index) Delete(key []byte) (radb.Handle, bool, error) {
	h := radb.Hash32(key)
	mask := idx.size() - 1
	incr := ((h >> 8) | 1) & mask
	index := h & mask
	for {
		link := idx.linkAt(index)
		if link == invalidLink {
			return radb.Invalid, false, nil
		}
		hh := idx.hashAt(index)
		if hh < h {
			return radb.Invalid, false, nil
		}
		if hh == h && link != deletedLink {
			c, err := idx.cb.Compare(key, radb.Handle(link))
			if err != nil {
				return radb.Invalid, false, err
			}
			if c > 0 {
				return radb.Invalid, false, nil
			}
			if c == 0 {
				if err := idx.cb.Release(radb.Handle(link)); err != nil {
					return radb.Invalid, false, err
				}
				idx.setLinkAt(index, deletedLink)
				idx.setDeleted(idx.deleted() + 1)
				return radb.Handle(link), true, nil
			}
		}
		index = (index + incr) & mask
	}
}

// rehash rebuilds the table into the temp file and renames it over the
// index. When the tombstone count alone frees enough headroom the rebuild
// keeps the current size (pure compaction); otherwise the size doubles.
// spaceAfter is the space count as it stands after accounting for the
// insert that triggered the rebuild.
func (idx *Index) rehash(spaceAfter uint32) error {
	oldSize := idx.size()
	newSize := oldSize * 2
	if spaceAfter+idx.deleted() > oldSize>>3 {
		newSize = oldSize
	}
	newSpace := idx.space() + idx.deleted() + (newSize - oldSize)

	live := idx.liveEntries()

	// Reinsertion below probes each entry's natural sequence and takes the
	// first empty slot. Feeding it entries in descending (hash, key) order
	// lands every entry behind anything that must precede it, so the probe
	// ordering holds in the new table with no displacement.
	sort.Slice(live, func(a, b int) bool {
		if live[a].hash != live[b].hash {
			return live[a].hash > live[b].hash
		}
		ak, err := idx.cb.KeyBytes(radb.Handle(live[a].link))
		if err != nil {
			return false
		}
		c, err := idx.cb.Compare(ak, radb.Handle(live[b].link))
		if err != nil {
			return false
		}
		return c > 0
	})

	tempPath := idx.prefix + ".temp"
	newFile, err := mmapfile.Create(tempPath, int64(headerSize)+int64(newSize)*slotSize)
	if err != nil {
		return err
	}
	newIdx := &Index{file: newFile, prefix: idx.prefix, keySize: idx.keySize, cb: idx.cb}
	h := newIdx.file.Bytes()
	sig := binary.LittleEndian.Uint32(idx.file.Bytes()[offSignature:])
	version := binary.LittleEndian.Uint32(idx.file.Bytes()[offVersion:])
	binary.LittleEndian.PutUint32(h[offSignature:], sig)
	binary.LittleEndian.PutUint32(h[offVersion:], version)
	binary.LittleEndian.PutUint32(h[offSize:], newSize)
	binary.LittleEndian.PutUint32(h[offSpace:], newSpace)
	binary.LittleEndian.PutUint32(h[offDeleted:], 0)
	binary.LittleEndian.PutUint32(h[offKeySize:], idx.keySize)
	for i := uint32(0); i < newSize; i++ {
		newIdx.setLinkAt(i, invalidLink)
	}
	mask := newSize - 1
	for _, e := range live {
		incr := ((e.hash >> 8) | 1) & mask
		index := e.hash & mask
		for newIdx.linkAt(index) != invalidLink {
			index = (index + incr) & mask
		}
		newIdx.setSlotAt(index, e.hash, e.link)
	}

	err = continuity.New().
		Thenf("close old index", func() error { return idx.file.Close() }).
		Thenf("close new index", func() error { return newFile.Close() }).
		Thenf("replace index file", func() error { return os.Rename(tempPath, idx.prefix+".index") }).
		Err()
	if err != nil {
		return err
	}

	reopened, err := mmapfile.Open(idx.prefix + ".index")
	if err != nil {
		return err
	}
	idx.file = reopened
	rlog.Debug("classicindex: rehashed", "prefix", idx.prefix, "oldSize", oldSize, "newSize", newSize, "live", len(live))
	return nil
}

type liveEntry struct {
	hash uint32
	link uint32
}

func (idx *Index) liveEntries() []liveEntry {
	var live []liveEntry
	for i := uint32(0); i < idx.size(); i++ {
		link := idx.linkAt(i)
		if link != invalidLink && link != deletedLink {
			live = append(live, liveEntry{idx.hashAt(i), link})
		}
	}
	return live
}
