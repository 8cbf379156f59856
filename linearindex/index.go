// Package linearindex implements a linear-hashing index: the bucket count
// grows by one per insert instead of doubling outright, so rehashing cost
// is spread evenly across inserts. A single flat array of cells overloads
// three roles — cell b's offset field heads bucket b's chain, any cell's
// (index, hash, value, key) fields make it an entry, and reclaimed cells
// are threaded into a free list through the value field. A bucket's chain
// is the contiguous run of cells whose index field names that bucket.
//
// Each entry carries a 16-byte inline key prefix alongside its full 32-bit
// hash; the definitive comparison against the backing store is supplied by
// the caller (see package adapter).
package linearindex

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/classicindex"
	"github.com/radb-project/radb/internal/mmapfile"
)

// Comparer and Inserter share classicindex's shape: both packages ask a
// backing store the same two questions (does this key match handle h; put
// this key somewhere and hand back its handle), so one adapter serves both
// index types.
type Comparer = classicindex.Comparer
type Inserter = classicindex.Inserter

const (
	headerSize    = 32
	offSignature  = 0
	offVersion    = 4
	offNumOffsets = 8
	offNumEntries = 12
	offNumNodes   = 16
	offNextFree   = 20
	offCount      = 24
	offExtra      = 28

	// offset, index, hash, value (4 bytes each) + 16-byte inline key.
	cellSize = 32
	// KeyLen is the width of the inline key prefix carried in every cell.
	KeyLen = 16

	pageSize = 4096

	invalidLink = uint32(radb.Invalid)
)

// Index is a linear-hashing index mapping (hash, inline key) pairs to
// backing-store handles.
type Index struct {
	file *mmapfile.File
}

// Create creates a new index at prefix+".index" with a single empty bucket.
func Create(prefix string) (*Index, error) {
	f, err := mmapfile.Create(prefix+".index", pageSize)
	if err != nil {
		return nil, err
	}
	idx := &Index{file: f}
	h := idx.header()
	binary.LittleEndian.PutUint32(h[offSignature:], radb.SignatureWord(radb.SignatureLinearIndex))
	binary.LittleEndian.PutUint32(h[offVersion:], radb.MakeVersion(1, 0))
	binary.LittleEndian.PutUint32(h[offNumNodes:], uint32((pageSize-headerSize)/cellSize))
	binary.LittleEndian.PutUint32(h[offNumOffsets:], 1)
	binary.LittleEndian.PutUint32(h[offNumEntries:], 0)
	binary.LittleEndian.PutUint32(h[offNextFree:], invalidLink)
	binary.LittleEndian.PutUint32(h[offCount:], 0)
	binary.LittleEndian.PutUint32(h[offExtra:], 0)
	idx.setOffsetOf(0, invalidLink)
	return idx, nil
}

// Open opens an existing index at prefix+".index".
func Open(prefix string) (*Index, error) {
	f, err := mmapfile.Open(prefix + ".index")
	if err != nil {
		return nil, radb.ErrFileNotFound
	}
	if f.Size() < headerSize {
		f.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	idx := &Index{file: f}
	if binary.LittleEndian.Uint32(idx.header()[offSignature:]) != radb.SignatureWord(radb.SignatureLinearIndex) {
		f.Close()
		return nil, radb.ErrHeaderMismatch
	}
	return idx, nil
}

// Close unmaps and closes the index.
func (idx *Index) Close() error { return idx.file.Close() }

// Sync flushes the mapped cell array to disk.
func (idx *Index) Sync() error { return idx.file.Sync() }

// Count returns the number of live entries.
func (idx *Index) Count() uint32 { return binary.LittleEndian.Uint32(idx.header()[offCount:]) }

// NumOffsets returns the current bucket count.
func (idx *Index) NumOffsets() uint32 {
	return binary.LittleEndian.Uint32(idx.header()[offNumOffsets:])
}

// GetExtra returns the header's spare word, available to the key adapter
// for a constant parameter such as a fixed key width.
func (idx *Index) GetExtra() uint32 { return binary.LittleEndian.Uint32(idx.header()[offExtra:]) }

// SetExtra stores the header's spare word.
func (idx *Index) SetExtra(v uint32) { binary.LittleEndian.PutUint32(idx.header()[offExtra:], v) }

func (idx *Index) header() []byte { return idx.file.Bytes()[:headerSize] }

func (idx *Index) numOffsets() uint32 { return binary.LittleEndian.Uint32(idx.header()[offNumOffsets:]) }
func (idx *Index) setNumOffsets(v uint32) {
	binary.LittleEndian.PutUint32(idx.header()[offNumOffsets:], v)
}
func (idx *Index) numEntries() uint32 { return binary.LittleEndian.Uint32(idx.header()[offNumEntries:]) }
func (idx *Index) setNumEntries(v uint32) {
	binary.LittleEndian.PutUint32(idx.header()[offNumEntries:], v)
}
func (idx *Index) numNodes() uint32 { return binary.LittleEndian.Uint32(idx.header()[offNumNodes:]) }
func (idx *Index) setNumNodes(v uint32) {
	binary.LittleEndian.PutUint32(idx.header()[offNumNodes:], v)
}
func (idx *Index) nextFree() uint32 { return binary.LittleEndian.Uint32(idx.header()[offNextFree:]) }
func (idx *Index) setNextFree(v uint32) {
	binary.LittleEndian.PutUint32(idx.header()[offNextFree:], v)
}
func (idx *Index) count() uint32 { return binary.LittleEndian.Uint32(idx.header()[offCount:]) }
func (idx *Index) setCount(v uint32) {
	binary.LittleEndian.PutUint32(idx.header()[offCount:], v)
}

func (idx *Index) cellBytes(i uint32) []byte {
	off := int64(headerSize) + int64(i)*cellSize
	return idx.file.Bytes()[off : off+cellSize]
}

func (idx *Index) offsetOf(i uint32) uint32 { return binary.LittleEndian.Uint32(idx.cellBytes(i)[0:4]) }
func (idx *Index) setOffsetOf(i, v uint32)  { binary.LittleEndian.PutUint32(idx.cellBytes(i)[0:4], v) }
func (idx *Index) indexOf(i uint32) uint32  { return binary.LittleEndian.Uint32(idx.cellBytes(i)[4:8]) }
func (idx *Index) setIndexOf(i, v uint32)   { binary.LittleEndian.PutUint32(idx.cellBytes(i)[4:8], v) }
func (idx *Index) hashOf(i uint32) uint32   { return binary.LittleEndian.Uint32(idx.cellBytes(i)[8:12]) }
func (idx *Index) setHashOf(i, v uint32)    { binary.LittleEndian.PutUint32(idx.cellBytes(i)[8:12], v) }
func (idx *Index) valueOf(i uint32) uint32  { return binary.LittleEndian.Uint32(idx.cellBytes(i)[12:16]) }
func (idx *Index) setValueOf(i, v uint32)   { binary.LittleEndian.PutUint32(idx.cellBytes(i)[12:16], v) }
func (idx *Index) keyOf(i uint32) []byte    { return idx.cellBytes(i)[16 : 16+KeyLen] }
func (idx *Index) setKeyOf(i uint32, key []byte) {
	copy(idx.cellBytes(i)[16:16+KeyLen], key)
}

func (idx *Index) setEntry(i, bucket, hash uint32, key [KeyLen]byte) {
	idx.setIndexOf(i, bucket)
	idx.setHashOf(i, hash)
	idx.setKeyOf(i, key[:])
}

// growCells extends the backing file, a page at a time, to hold at least
// `target` cells.
func (idx *Index) growCells(target uint32) error {
	if target <= idx.numNodes() {
		return nil
	}
	required := target - idx.numNodes()
	allocation := ((int64(required)*cellSize + (pageSize - 1)) / pageSize) * pageSize
	newSize := idx.file.Size() + allocation
	if err := idx.file.Grow(newSize); err != nil {
		return err
	}
	idx.setNumNodes(uint32((newSize - headerSize) / cellSize))
	return nil
}

// bucketIndex selects the bucket for hash among numOffsets buckets: the
// hash is masked by the next power of two at or above the bucket count,
// and a result pointing past the end falls back to its pre-split peer.
func bucketIndex(hash uint32, numOffsets uint32) uint32 {
	var scale uint32 = 1
	if numOffsets > 1 {
		scale = uint32(1) << bits.Len32(numOffsets-1)
	}
	index := hash & (scale - 1)
	if index >= numOffsets {
		index -= scale >> 1
	}
	return index
}

// Search returns the handle for (hash, key), or (Invalid, false) if absent.
// full is passed through to compare unexamined by this package.
func (idx *Index) Search(hash uint32, key [KeyLen]byte, full []byte, compare Comparer) (radb.Handle, bool, error) {
	index := bucketIndex(hash, idx.numOffsets())
	offset := idx.offsetOf(index)
	if offset == invalidLink {
		return radb.Invalid, false, nil
	}
	last := idx.numEntries()
	for entry := offset; entry < last; entry++ {
		ei := idx.indexOf(entry)
		if ei == invalidLink || ei != index {
			return radb.Invalid, false, nil
		}
		if idx.hashOf(entry) == hash && bytes.Equal(idx.keyOf(entry), key[:]) {
			c, err := compare(full, radb.Handle(idx.valueOf(entry)))
			if err != nil {
				return radb.Invalid, false, err
			}
			if c == 0 {
				return radb.Handle(idx.valueOf(entry)), true, nil
			}
		}
	}
	return radb.Invalid, false, nil
}

// addOffset creates bucket numOffsets by splitting its pre-split peer:
// every entry in the peer's chain whose hash re-buckets to the new bucket
// under the widened scale is swapped toward the chain's tail, then the
// chain is cut at the partition boundary.
func (idx *Index) addOffset() error {
	numOffsets := idx.numOffsets()
	scale := uint32(1) << bits.Len32(numOffsets)
	shift := scale >> 1
	var index uint32
	if scale > numOffsets {
		index = numOffsets - shift
	} else {
		index = numOffsets & (scale - 1)
	}

	if err := idx.growCells(numOffsets + 1); err != nil {
		return err
	}
	offset := idx.offsetOf(index)
	if offset == invalidLink {
		idx.setOffsetOf(numOffsets, invalidLink)
		idx.setNumOffsets(numOffsets + 1)
		return nil
	}

	first, last, a := offset, offset, offset
	limit := idx.numEntries()
	for last < limit {
		if idx.indexOf(last) != index {
			break
		}
		last++
	}
	b := last
	numOffsets++
	idx.setNumOffsets(numOffsets)

	for a < b {
		newIndex := idx.hashOf(a) & (scale - 1)
		if newIndex >= numOffsets {
			newIndex -= shift
		}
		if newIndex == index {
			a++
			continue
		}
		b--
		ha, hb := idx.hashOf(a), idx.hashOf(b)
		idx.setHashOf(a, hb)
		idx.setHashOf(b, ha)
		va, vb := idx.valueOf(a), idx.valueOf(b)
		idx.setValueOf(a, vb)
		idx.setValueOf(b, va)
		ka := append([]byte{}, idx.keyOf(a)...)
		kb := append([]byte{}, idx.keyOf(b)...)
		idx.setKeyOf(a, kb)
		idx.setKeyOf(b, ka)
		idx.setIndexOf(b, newIndex)
	}

	if b == last {
		idx.setOffsetOf(numOffsets-1, invalidLink)
	} else {
		if b == first {
			idx.setOffsetOf(index, invalidLink)
		}
		idx.setOffsetOf(numOffsets-1, b)
	}
	return nil
}

// addEntry appends a new entry at the end of the cell array and runs the
// per-insert split.
func (idx *Index) addEntry(index, hash uint32, key [KeyLen]byte, full []byte, insert Inserter) (radb.Handle, error) {
	if err := idx.growCells(idx.numEntries() + 1); err != nil {
		return radb.Invalid, err
	}
	cell := idx.numEntries()
	idx.setNumEntries(cell + 1)
	idx.setEntry(cell, index, hash, key)
	h, err := insert(full)
	if err != nil {
		return radb.Invalid, err
	}
	idx.setValueOf(cell, uint32(h))
	if err := idx.addOffset(); err != nil {
		return radb.Invalid, err
	}
	return h, nil
}

// Insert returns the handle for (hash, key), inserting via Inserter if not
// already present per Comparer. The second return value reports whether a
// new entry was created. Every created entry is followed by one bucket
// split.
func (idx *Index) Insert(hash uint32, key [KeyLen]byte, full []byte, compare Comparer, insert Inserter) (radb.Handle, bool, error) {
	numOffsets := idx.numOffsets()
	index := bucketIndex(hash, numOffsets)

	offset := idx.offsetOf(index)
	if offset == invalidLink {
		idx.setCount(idx.count() + 1)
		// A reclaimed cell is only trusted if it is still marked free; the
		// head may have been reabsorbed into a neighbouring chain since it
		// was threaded here.
		if free := idx.nextFree(); free != invalidLink && idx.indexOf(free) == invalidLink {
			idx.setNextFree(idx.valueOf(free))
			idx.setOffsetOf(index, free)
			idx.setEntry(free, index, hash, key)
			h, err := insert(full)
			if err != nil {
				return radb.Invalid, false, err
			}
			idx.setValueOf(free, uint32(h))
			if err := idx.addOffset(); err != nil {
				return radb.Invalid, false, err
			}
			return h, true, nil
		}
		idx.setOffsetOf(index, idx.numEntries())
		h, err := idx.addEntry(index, hash, key, full, insert)
		return h, true, err
	}

	last := idx.numEntries()
	for entry := offset; entry < last; entry++ {
		entryIndex := idx.indexOf(entry)
		if entryIndex == invalidLink {
			idx.setCount(idx.count() + 1)
			idx.setEntry(entry, index, hash, key)
			h, err := insert(full)
			if err != nil {
				return radb.Invalid, false, err
			}
			idx.setValueOf(entry, uint32(h))
			if err := idx.addOffset(); err != nil {
				return radb.Invalid, false, err
			}
			return h, true, nil
		}
		if entryIndex != index {
			idx.setCount(idx.count() + 1)
			if offset > 0 && idx.indexOf(offset-1) == invalidLink {
				// The cell just before the chain's head is free: steal it
				// and pull the head pointer back by one.
				e2 := offset - 1
				idx.setOffsetOf(index, e2)
				idx.setEntry(e2, index, hash, key)
				h, err := insert(full)
				if err != nil {
					return radb.Invalid, false, err
				}
				idx.setValueOf(e2, uint32(h))
				if err := idx.addOffset(); err != nil {
					return radb.Invalid, false, err
				}
				return h, true, nil
			}

			// No room in place: copy the whole chain to fresh cells at the
			// array's end, thread the old head onto the free list, and put
			// the new entry after the copy.
			count := entry - offset
			if err := idx.growCells(idx.numEntries() + count + 1); err != nil {
				return radb.Invalid, false, err
			}
			idx.setOffsetOf(index, idx.numEntries())
			source := offset
			target := idx.numEntries()
			idx.setNumEntries(idx.numEntries() + count + 1)
			for i := uint32(0); i < count; i++ {
				idx.setIndexOf(target, index)
				idx.setHashOf(target, idx.hashOf(source))
				idx.setKeyOf(target, idx.keyOf(source))
				idx.setValueOf(target, idx.valueOf(source))
				idx.setIndexOf(source, invalidLink)
				source++
				target++
			}
			idx.setValueOf(offset, idx.nextFree())
			idx.setNextFree(offset)
			idx.setEntry(target, index, hash, key)
			h, err := insert(full)
			if err != nil {
				return radb.Invalid, false, err
			}
			idx.setValueOf(target, uint32(h))
			if err := idx.addOffset(); err != nil {
				return radb.Invalid, false, err
			}
			return h, true, nil
		}
		if idx.hashOf(entry) == hash && bytes.Equal(idx.keyOf(entry), key[:]) {
			c, err := compare(full, radb.Handle(idx.valueOf(entry)))
			if err != nil {
				return radb.Invalid, false, err
			}
			if c == 0 {
				return radb.Handle(idx.valueOf(entry)), false, nil
			}
		}
	}
	idx.setCount(idx.count() + 1)
	h, err := idx.addEntry(index, hash, key, full, insert)
	return h, true, err
}

// Delete removes (hash, key) if present and returns the handle the entry
// held. The bucket's contiguous run is preserved by moving the run's head
// into the vacated position and advancing the head pointer; an entry that
// is the run's only member simply empties the bucket, shrinking the cell
// array when it happens to sit at the very end.
func (idx *Index) Delete(hash uint32, key [KeyLen]byte, full []byte, compare Comparer) (radb.Handle, bool, error) {
	numOffsets := idx.numOffsets()
	index := bucketIndex(hash, numOffsets)

	offset := idx.offsetOf(index)
	if offset == invalidLink {
		return radb.Invalid, false, nil
	}
	last := idx.numEntries()
	for entry := offset; entry < last; entry++ {
		ei := idx.indexOf(entry)
		if ei == invalidLink || ei != index {
			return radb.Invalid, false, nil
		}
		if idx.hashOf(entry) != hash || !bytes.Equal(idx.keyOf(entry), key[:]) {
			continue
		}
		c, err := compare(full, radb.Handle(idx.valueOf(entry)))
		if err != nil {
			return radb.Invalid, false, err
		}
		if c != 0 {
			continue
		}

		idx.setCount(idx.count() - 1)
		value := idx.valueOf(entry)
		switch {
		case entry > offset:
			idx.setHashOf(entry, idx.hashOf(offset))
			idx.setKeyOf(entry, idx.keyOf(offset))
			idx.setValueOf(entry, idx.valueOf(offset))
			idx.setIndexOf(offset, invalidLink)
			idx.setOffsetOf(index, offset+1)
		case entry+1 == last:
			idx.setIndexOf(entry, invalidLink)
			idx.setOffsetOf(index, invalidLink)
			idx.setNumEntries(last - 1)
		case idx.indexOf(entry+1) != index:
			idx.setIndexOf(entry, invalidLink)
			idx.setOffsetOf(index, invalidLink)
		default:
			idx.setIndexOf(entry, invalidLink)
			idx.setOffsetOf(index, offset+1)
		}
		return radb.Handle(value), true, nil
	}
	return radb.Invalid, false, nil
}
