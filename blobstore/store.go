// Package blobstore implements a variable-length blob allocator over two
// memory-mapped files: an entries file of (link, length) pairs pointing
// into chains of fixed-size nodes in a separate data file. The last 4 bytes
// of every non-final node in a chain hold the next node's index; free nodes
// form a second list threaded through the same trailer.
package blobstore

import (
	"encoding/binary"
	"fmt"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/internal/mmapfile"
	"github.com/radb-project/radb/internal/rlog"
)

const (
	headerSize      = 40
	offSignature    = 0
	offVersion      = 4
	offNodeSize     = 8
	offChunkSize    = 12
	offNumEntries   = 16
	offNumNodes     = 20
	offNumFreeNodes = 24
	offFreeNode     = 28
	offFreeEntry    = 32
	offExtra        = 36

	entrySize = 8 // link(4) + length(4)

	minNodeSize       = 8
	defaultChunkNodes = 512

	invalidLink = uint32(radb.Invalid)
)

// Store is the on-disk blob allocator, backed by "<prefix>.entries"
// (header + (link,length) array) and "<prefix>.data" (the flat array of
// fixed-size nodes).
type Store struct {
	entries *mmapfile.File
	data    *mmapfile.File

	nodeSize   uint32
	chunkNodes uint32 // growth granularity, in nodes — shared by the entries array and the data file
}

// Create creates a new blob store at prefix+".entries"/".data". nodeSize is
// clamped to a minimum of 8 bytes (4 for payload, 4 for the chain link).
// chunkSize is the growth granularity in nodes; 0 selects a default of 512.
func Create(prefix string, nodeSize uint32, chunkSize uint32) (*Store, error) {
	if nodeSize < minNodeSize {
		nodeSize = minNodeSize
	}
	if chunkSize == 0 {
		chunkSize = defaultChunkNodes
	}
	numNodes := chunkSize
	numEntries := chunkSize

	entriesFile, err := mmapfile.Create(prefix+".entries", int64(headerSize)+int64(numEntries)*entrySize)
	if err != nil {
		return nil, err
	}
	dataFile, err := mmapfile.Create(prefix+".data", int64(numNodes)*int64(nodeSize))
	if err != nil {
		entriesFile.Close()
		return nil, err
	}

	s := &Store{entries: entriesFile, data: dataFile, nodeSize: nodeSize, chunkNodes: chunkSize}
	h := s.entries.Bytes()
	binary.LittleEndian.PutUint32(h[offSignature:], radb.SignatureWord(radb.SignatureBlobStore))
	binary.LittleEndian.PutUint32(h[offVersion:], radb.MakeVersion(1, 0))
	binary.LittleEndian.PutUint32(h[offNodeSize:], nodeSize)
	binary.LittleEndian.PutUint32(h[offChunkSize:], chunkSize)
	binary.LittleEndian.PutUint32(h[offNumEntries:], numEntries)
	binary.LittleEndian.PutUint32(h[offNumNodes:], numNodes)
	binary.LittleEndian.PutUint32(h[offNumFreeNodes:], numNodes)
	binary.LittleEndian.PutUint32(h[offFreeNode:], 0)
	binary.LittleEndian.PutUint32(h[offFreeEntry:], 0)
	binary.LittleEndian.PutUint32(h[offExtra:], 0)

	// Thread every node into the free list, terminated by Invalid.
	for i := uint32(0); i < numNodes; i++ {
		next := invalidLink
		if i+1 < numNodes {
			next = i + 1
		}
		binary.LittleEndian.PutUint32(s.nodeBytes(i)[nodeSize-4:], next)
	}
	// Entry 0 is the bump tail of the entries free list.
	binary.LittleEndian.PutUint32(s.entryBytes(0)[0:4], invalidLink)

	return s, nil
}

// Open opens an existing blob store at prefix+".entries"/".data".
func Open(prefix string) (*Store, error) {
	entriesFile, err := mmapfile.Open(prefix + ".entries")
	if err != nil {
		return nil, radb.ErrFileNotFound
	}
	if entriesFile.Size() < headerSize {
		entriesFile.Close()
		return nil, radb.ErrHeaderCorrupted
	}
	s := &Store{entries: entriesFile}
	h := s.entries.Bytes()
	sig := binary.LittleEndian.Uint32(h[offSignature:])
	if sig != radb.SignatureWord(radb.SignatureBlobStore) {
		entriesFile.Close()
		return nil, radb.ErrHeaderMismatch
	}
	s.nodeSize = binary.LittleEndian.Uint32(h[offNodeSize:])
	s.chunkNodes = binary.LittleEndian.Uint32(h[offChunkSize:])
	if s.nodeSize < minNodeSize {
		entriesFile.Close()
		return nil, radb.ErrHeaderCorrupted
	}

	dataFile, err := mmapfile.Open(prefix + ".data")
	if err != nil {
		entriesFile.Close()
		return nil, radb.ErrFileNotFound
	}
	s.data = dataFile

	if err := s.recover(); err != nil {
		entriesFile.Close()
		dataFile.Close()
		return nil, err
	}
	return s, nil
}

// Close unmaps and closes both backing files.
func (s *Store) Close() error {
	err1 := s.entries.Close()
	err2 := s.data.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Sync flushes both mapped files to disk.
func (s *Store) Sync() error {
	if err := s.entries.Sync(); err != nil {
		return err
	}
	return s.data.Sync()
}

func (s *Store) header() []byte { return s.entries.Bytes()[:headerSize] }

func (s *Store) numEntries() uint32     { return binary.LittleEndian.Uint32(s.header()[offNumEntries:]) }
func (s *Store) setNumEntries(v uint32) { binary.LittleEndian.PutUint32(s.header()[offNumEntries:], v) }
func (s *Store) numNodes() uint32       { return binary.LittleEndian.Uint32(s.header()[offNumNodes:]) }
func (s *Store) setNumNodes(v uint32)   { binary.LittleEndian.PutUint32(s.header()[offNumNodes:], v) }
func (s *Store) numFreeNodes() uint32   { return binary.LittleEndian.Uint32(s.header()[offNumFreeNodes:]) }
func (s *Store) setNumFreeNodes(v uint32) {
	binary.LittleEndian.PutUint32(s.header()[offNumFreeNodes:], v)
}
func (s *Store) freeNode() uint32     { return binary.LittleEndian.Uint32(s.header()[offFreeNode:]) }
func (s *Store) setFreeNode(v uint32) { binary.LittleEndian.PutUint32(s.header()[offFreeNode:], v) }
func (s *Store) freeEntry() uint32    { return binary.LittleEndian.Uint32(s.header()[offFreeEntry:]) }
func (s *Store) setFreeEntry(v uint32) {
	binary.LittleEndian.PutUint32(s.header()[offFreeEntry:], v)
}

// GetExtra returns the store's reserved header word, available to callers
// (typically an index built on top of this store) for small constant
// bookkeeping such as a fixed key width.
func (s *Store) GetExtra() uint32 { return binary.LittleEndian.Uint32(s.header()[offExtra:]) }

// SetExtra stores the reserved header word.
func (s *Store) SetExtra(v uint32) { binary.LittleEndian.PutUint32(s.header()[offExtra:], v) }

func (s *Store) entryOffset(i uint32) int64 { return int64(headerSize) + int64(i)*entrySize }
func (s *Store) entryBytes(i uint32) []byte {
	off := s.entryOffset(i)
	return s.entries.Bytes()[off : off+entrySize]
}

func (s *Store) nodeBytes(i uint32) []byte {
	off := int64(i) * int64(s.nodeSize)
	return s.data.Bytes()[off : off+int64(s.nodeSize)]
}

// ensureEntryCapacity grows the entries array, reusing the data-file growth
// granularity as the entries-array growth granularity.
func (s *Store) ensureEntryCapacity(required uint32) error {
	numEntries := s.numEntries()
	if required <= numEntries {
		return nil
	}
	excess := required - numEntries
	grow := ((excess + s.chunkNodes - 1) / s.chunkNodes) * s.chunkNodes
	newNumEntries := numEntries + grow
	newSize := int64(headerSize) + int64(newNumEntries)*entrySize
	if err := s.entries.Grow(newSize); err != nil {
		return err
	}
	s.setNumEntries(newNumEntries)
	return nil
}

// growNodes extends the data file by one chunk and threads the new nodes
// onto the head of the free list.
func (s *Store) growNodes() error {
	oldNumNodes := s.numNodes()
	newNumNodes := oldNumNodes + s.chunkNodes
	newSize := int64(newNumNodes) * int64(s.nodeSize)
	if err := s.data.Grow(newSize); err != nil {
		return err
	}
	for i := oldNumNodes; i+1 < newNumNodes; i++ {
		binary.LittleEndian.PutUint32(s.nodeBytes(i)[s.nodeSize-4:], i+1)
	}
	binary.LittleEndian.PutUint32(s.nodeBytes(newNumNodes-1)[s.nodeSize-4:], s.freeNode())
	s.setFreeNode(oldNumNodes)
	s.setNumNodes(newNumNodes)
	s.setNumFreeNodes(s.numFreeNodes() + s.chunkNodes)
	rlog.Debug("blobstore: grew data file", "oldNumNodes", oldNumNodes, "newNumNodes", newNumNodes)
	return nil
}

// allocNodes pops `need` nodes off the free list, growing the data file as
// necessary. The returned nodes are unlinked from one another; the caller
// is responsible for chaining them.
func (s *Store) allocNodes(need uint32) ([]uint32, error) {
	result := make([]uint32, 0, need)
	for uint32(len(result)) < need {
		fn := s.freeNode()
		if fn == invalidLink {
			if err := s.growNodes(); err != nil {
				return nil, err
			}
			fn = s.freeNode()
			if fn == invalidLink {
				return nil, fmt.Errorf("blobstore: node allocation failed")
			}
		}
		next := binary.LittleEndian.Uint32(s.nodeBytes(fn)[s.nodeSize-4:])
		s.setFreeNode(next)
		s.setNumFreeNodes(s.numFreeNodes() - 1)
		result = append(result, fn)
	}
	return result, nil
}

// freeNodes prepends a run of node indices (already forming a chain, or
// independent — either way they're re-threaded here) onto the free list.
func (s *Store) freeNodes(idxs []uint32) {
	if len(idxs) == 0 {
		return
	}
	for k := 0; k < len(idxs)-1; k++ {
		binary.LittleEndian.PutUint32(s.nodeBytes(idxs[k])[s.nodeSize-4:], idxs[k+1])
	}
	binary.LittleEndian.PutUint32(s.nodeBytes(idxs[len(idxs)-1])[s.nodeSize-4:], s.freeNode())
	s.setFreeNode(idxs[0])
	s.setNumFreeNodes(s.numFreeNodes() + uint32(len(idxs)))
}

// chainNodes walks `blocks` nodes starting at link, following each node's
// trailing 4-byte link field.
func (s *Store) chainNodes(link uint32, blocks uint32) []uint32 {
	nodes := make([]uint32, 0, blocks)
	cur := link
	for k := uint32(0); k < blocks; k++ {
		nodes = append(nodes, cur)
		if k+1 == blocks {
			break
		}
		cur = binary.LittleEndian.Uint32(s.nodeBytes(cur)[s.nodeSize-4:])
	}
	return nodes
}

// numBlocks computes the chain length for a blob of the given length: a
// single node holds up to nodeSize bytes outright (no link needed); beyond
// that, every node carries nodeSize-4 payload bytes plus a 4-byte link,
// except the last, which holds whatever remains.
func numBlocks(length, nodeSize uint32) uint32 {
	if length == 0 {
		return 0
	}
	if length <= nodeSize {
		return 1
	}
	payload := nodeSize - 4
	return (length + payload - 1) / payload
}

// blockPayload returns the number of payload bytes stored in block k (0
// indexed) of a chain of `blocks` nodes holding a blob of the given length.
func blockPayload(k, blocks, length, nodeSize uint32) uint32 {
	if k+1 == blocks {
		return length - k*(nodeSize-4)
	}
	return nodeSize - 4
}

// Alloc returns a fresh entry handle with link=Invalid, length=0.
func (s *Store) Alloc() (radb.Handle, error) {
	freeEntry := s.freeEntry()
	if err := s.ensureEntryCapacity(freeEntry + 1); err != nil {
		return radb.Invalid, err
	}
	entry := s.entryBytes(freeEntry)
	next := binary.LittleEndian.Uint32(entry[0:4])
	if next == invalidLink {
		next = freeEntry + 1
		if err := s.ensureEntryCapacity(next + 1); err != nil {
			return radb.Invalid, err
		}
		binary.LittleEndian.PutUint32(s.entryBytes(next)[0:4], invalidLink)
	}
	s.setFreeEntry(next)
	binary.LittleEndian.PutUint32(entry[0:4], invalidLink)
	binary.LittleEndian.PutUint32(entry[4:8], 0)
	return radb.Handle(freeEntry), nil
}

// Free releases entry i: its backing node chain (if any) returns to the
// node free list, then the entry slot itself returns to the entries free
// list.
func (s *Store) Free(i radb.Handle) error {
	idx := uint32(i)
	if idx >= s.numEntries() {
		return fmt.Errorf("blobstore: index %d out of range", i)
	}
	entry := s.entryBytes(idx)
	link := binary.LittleEndian.Uint32(entry[0:4])
	length := binary.LittleEndian.Uint32(entry[4:8])
	if link != invalidLink {
		blocks := numBlocks(length, s.nodeSize)
		s.freeNodes(s.chainNodes(link, blocks))
	}
	binary.LittleEndian.PutUint32(entry[0:4], s.freeEntry())
	s.setFreeEntry(idx)
	return nil
}

// Size returns the stored blob's length.
func (s *Store) Size(i radb.Handle) (uint32, error) {
	idx := uint32(i)
	if idx >= s.numEntries() {
		return 0, fmt.Errorf("blobstore: index %d out of range", i)
	}
	return binary.LittleEndian.Uint32(s.entryBytes(idx)[4:8]), nil
}

// recover checks the recorded entry and node counts against the mapped
// file lengths and reports ErrHeaderCorrupted when a count claims more than
// its file holds. A file longer than its recorded count, as left by a crash
// between file extension and the header update, is neither detected nor
// adopted here; the extra space stays unused until the next growth of that
// file takes it over.
func (s *Store) recover() error {
	nodeSize := int64(s.nodeSize)
	if int64(s.numNodes())*nodeSize > s.data.Size() {
		return radb.ErrHeaderCorrupted
	}
	if int64(headerSize)+int64(s.numEntries())*entrySize > s.entries.Size() {
		return radb.ErrHeaderCorrupted
	}
	return nil
}
