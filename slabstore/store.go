// Package slabstore implements a fixed-width record allocator over a single
// memory-mapped file: a flat array of equal-sized records with a free-list
// threaded through the first 4 bytes of each unused record.
package slabstore

import (
	"encoding/binary"
	"fmt"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/internal/mmapfile"
	"github.com/radb-project/radb/internal/rlog"
)

const (
	headerSize    = 24 // signature, version, nodeSize, chunkSize, numEntries, freeEntry
	offSignature  = 0
	offVersion    = 4
	offNodeSize   = 8
	offChunkSize  = 12
	offNumEntries = 16
	offFreeEntry  = 20

	minNodeSize       = 4
	defaultChunkNodes = 512

	invalidLink = uint32(radb.Invalid)
)

// Store is a fixed-width slab allocator backed by a single memory-mapped
// file ("<prefix>.entries").
type Store struct {
	file       *mmapfile.File
	nodeSize   uint32
	chunkNodes uint32 // growth granularity, in records
}

// Create creates a new slab store at prefix+".entries" with records rounded
// up to a multiple of 8 bytes (minimum 4, so a released record can hold its
// free-list link). chunkSize is the growth granularity in records; 0
// selects a default of 512.
func Create(prefix string, recordSize uint32, chunkSize uint32) (*Store, error) {
	nodeSize := ((recordSize + 7) / 8) * 8
	if nodeSize < minNodeSize {
		nodeSize = minNodeSize
	}
	if chunkSize == 0 {
		chunkSize = defaultChunkNodes
	}
	numEntries := chunkSize

	f, err := mmapfile.Create(prefix+".entries", int64(headerSize)+int64(numEntries)*int64(nodeSize))
	if err != nil {
		return nil, err
	}
	s := &Store{file: f, nodeSize: nodeSize, chunkNodes: chunkSize}
	binary.LittleEndian.PutUint32(s.raw()[offSignature:], radb.SignatureWord(radb.SignatureSlabStore))
	binary.LittleEndian.PutUint32(s.raw()[offVersion:], radb.MakeVersion(1, 0))
	binary.LittleEndian.PutUint32(s.raw()[offNodeSize:], nodeSize)
	binary.LittleEndian.PutUint32(s.raw()[offChunkSize:], chunkSize)
	binary.LittleEndian.PutUint32(s.raw()[offNumEntries:], numEntries)
	binary.LittleEndian.PutUint32(s.raw()[offFreeEntry:], 0)
	s.setLinkOf(0, invalidLink)
	return s, nil
}

// Open opens an existing slab store at prefix+".entries".
func Open(prefix string) (*Store, error) {
	f, err := mmapfile.Open(prefix + ".entries")
	if err != nil {
		return nil, radb.ErrFileNotFound
	}
	if f.Size() < headerSize {
		f.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	s := &Store{file: f}
	sig := binary.LittleEndian.Uint32(s.raw()[offSignature:])
	if sig != radb.SignatureWord(radb.SignatureSlabStore) {
		f.Close()
		return nil, radb.ErrHeaderMismatch
	}
	s.nodeSize = binary.LittleEndian.Uint32(s.raw()[offNodeSize:])
	s.chunkNodes = binary.LittleEndian.Uint32(s.raw()[offChunkSize:])
	if s.nodeSize < minNodeSize {
		f.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Close unmaps and closes the store.
func (s *Store) Close() error { return s.file.Close() }

// Sync flushes the mapped pages to disk.
func (s *Store) Sync() error { return s.file.Sync() }

// NumEntries returns the current high-water record count.
func (s *Store) NumEntries() uint32 { return s.numEntries() }

// NodeSize returns the rounded per-record width in bytes.
func (s *Store) NodeSize() uint32 { return s.nodeSize }

func (s *Store) raw() []byte { return s.file.Bytes() }

func (s *Store) numEntries() uint32 { return binary.LittleEndian.Uint32(s.raw()[offNumEntries:]) }
func (s *Store) setNumEntries(v uint32) {
	binary.LittleEndian.PutUint32(s.raw()[offNumEntries:], v)
}
func (s *Store) freeEntry() uint32 { return binary.LittleEndian.Uint32(s.raw()[offFreeEntry:]) }
func (s *Store) setFreeEntry(v uint32) {
	binary.LittleEndian.PutUint32(s.raw()[offFreeEntry:], v)
}

func (s *Store) nodeOffset(i uint32) int64 {
	return int64(headerSize) + int64(i)*int64(s.nodeSize)
}

func (s *Store) nodeBytes(i uint32) []byte {
	off := s.nodeOffset(i)
	return s.raw()[off : off+int64(s.nodeSize)]
}

func (s *Store) linkOf(i uint32) uint32 {
	return binary.LittleEndian.Uint32(s.nodeBytes(i)[:4])
}

func (s *Store) setLinkOf(i uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.nodeBytes(i)[:4], v)
}

// ensureCapacity grows the backing file, a whole number of chunks at a
// time, so that record required-1 exists. The mapped length is extended
// before numEntries is updated; a crash in between leaves a longer file
// than the header admits, which recover repairs on the next open.
func (s *Store) ensureCapacity(required uint32) error {
	numEntries := s.numEntries()
	if required <= numEntries {
		return nil
	}
	excess := required - numEntries
	grow := ((excess + s.chunkNodes - 1) / s.chunkNodes) * s.chunkNodes
	newNumEntries := numEntries + grow
	newSize := int64(headerSize) + int64(newNumEntries)*int64(s.nodeSize)
	if err := s.file.Grow(newSize); err != nil {
		return err
	}
	s.setNumEntries(newNumEntries)
	return nil
}

// Get returns the record at index, growing the file if the index lies
// beyond the current tail.
func (s *Store) Get(index radb.Handle) ([]byte, error) {
	if err := s.ensureCapacity(uint32(index) + 1); err != nil {
		return nil, err
	}
	return s.nodeBytes(uint32(index)), nil
}

// Alloc returns a fresh record's handle and backing bytes. The head of the
// free list is consumed; when the head is the bump tail (its link is
// Invalid) the tail advances by one instead.
func (s *Store) Alloc() (radb.Handle, []byte, error) {
	freeEntry := s.freeEntry()
	if err := s.ensureCapacity(freeEntry + 1); err != nil {
		return radb.Invalid, nil, err
	}
	idx := s.linkOf(freeEntry)
	if idx == invalidLink {
		idx = freeEntry + 1
		if err := s.ensureCapacity(idx + 1); err != nil {
			return radb.Invalid, nil, err
		}
		s.setLinkOf(idx, invalidLink)
	}
	s.setFreeEntry(idx)
	return radb.Handle(freeEntry), s.nodeBytes(freeEntry), nil
}

// Free pushes index onto the head of the free list.
func (s *Store) Free(index radb.Handle) error {
	if uint32(index) >= s.numEntries() {
		return fmt.Errorf("slabstore: index %d out of range", index)
	}
	s.setLinkOf(uint32(index), s.freeEntry())
	s.setFreeEntry(uint32(index))
	return nil
}

// recover repairs the aftermath of a crash between file extension and the
// numEntries header update: if the file is longer than the header believes,
// the highest record whose link is Invalid is the true bump tail. Any
// intermediate record holding a non-zero, non-Invalid link means the file
// was mangled by something other than a truncated growth.
func (s *Store) recover() error {
	nodeSize := int64(s.nodeSize)
	numEntries := s.numEntries()
	expected := int64(headerSize) + int64(numEntries)*nodeSize
	actual := s.file.Size()
	if actual <= expected {
		return nil
	}
	totalNodes := uint32((actual - int64(headerSize)) / nodeSize)
	for i := totalNodes; i > 0; i-- {
		idx := i - 1
		link := s.linkOf(idx)
		if link == invalidLink {
			rlog.Warn("slabstore: recovered truncated growth", "oldNumEntries", numEntries, "recoveredNumEntries", idx+1)
			s.setNumEntries(idx + 1)
			return nil
		}
		if link != 0 {
			return radb.ErrHeaderCorrupted
		}
	}
	return radb.ErrHeaderCorrupted
}
