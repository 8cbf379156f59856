package blobstore

import (
	"encoding/binary"
	"fmt"

	"github.com/radb-project/radb"
)

// Set replaces entry i's content with data in a single call, growing or
// shrinking its node chain as needed: unaffected leading nodes are
// overwritten in place, excess trailing nodes are returned to the free
// list, and any additional nodes required are allocated and appended.
func (s *Store) Set(i radb.Handle, data []byte) error {
	idx := uint32(i)
	if idx >= s.numEntries() {
		return fmt.Errorf("blobstore: index %d out of range", i)
	}

	entry := s.entryBytes(idx)
	oldLink := binary.LittleEndian.Uint32(entry[0:4])
	oldLength := binary.LittleEndian.Uint32(entry[4:8])
	newLength := uint32(len(data))

	oldBlocks := numBlocks(oldLength, s.nodeSize)
	newBlocks := numBlocks(newLength, s.nodeSize)

	existing := s.chainNodes(oldLink, oldBlocks)

	if newBlocks == 0 {
		s.freeNodes(existing)
		binary.LittleEndian.PutUint32(entry[0:4], invalidLink)
		binary.LittleEndian.PutUint32(entry[4:8], 0)
		return nil
	}

	var chain []uint32
	if newBlocks <= uint32(len(existing)) {
		chain = existing[:newBlocks]
		if newBlocks < uint32(len(existing)) {
			s.freeNodes(existing[newBlocks:])
		}
	} else {
		need := newBlocks - uint32(len(existing))
		fresh, err := s.allocNodes(need)
		if err != nil {
			return err
		}
		chain = append(append([]uint32{}, existing...), fresh...)
	}

	offset := uint32(0)
	for k, nodeIdx := range chain {
		payload := blockPayload(uint32(k), newBlocks, newLength, s.nodeSize)
		node := s.nodeBytes(nodeIdx)
		copy(node[:payload], data[offset:offset+payload])
		offset += payload
		if uint32(k)+1 != newBlocks {
			binary.LittleEndian.PutUint32(node[s.nodeSize-4:], chain[k+1])
		}
	}

	binary.LittleEndian.PutUint32(entry[0:4], chain[0])
	binary.LittleEndian.PutUint32(entry[4:8], newLength)
	return nil
}

// Get copies up to len(buf) bytes of entry i's content into buf, returning
// the number of bytes copied.
func (s *Store) Get(i radb.Handle, buf []byte) (int, error) {
	idx := uint32(i)
	if idx >= s.numEntries() {
		return 0, fmt.Errorf("blobstore: index %d out of range", i)
	}
	entry := s.entryBytes(idx)
	link := binary.LittleEndian.Uint32(entry[0:4])
	length := binary.LittleEndian.Uint32(entry[4:8])
	blocks := numBlocks(length, s.nodeSize)
	nodes := s.chainNodes(link, blocks)

	copied := 0
	for k, nodeIdx := range nodes {
		if copied >= len(buf) {
			break
		}
		payload := int(blockPayload(uint32(k), blocks, length, s.nodeSize))
		node := s.nodeBytes(nodeIdx)
		n := payload
		if copied+n > len(buf) {
			n = len(buf) - copied
		}
		copy(buf[copied:copied+n], node[:n])
		copied += n
	}
	return copied, nil
}
