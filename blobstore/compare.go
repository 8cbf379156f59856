package blobstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/radb-project/radb"
)

// Compare compares other against entry i's content, walking i's chain
// node-by-node so the full blob is never materialized. The result follows
// bytes.Compare's convention applied to (other, stored content).
func (s *Store) Compare(other []byte, i radb.Handle) (int, error) {
	idx := uint32(i)
	if idx >= s.numEntries() {
		return 0, fmt.Errorf("blobstore: index %d out of range", i)
	}
	entry := s.entryBytes(idx)
	link := binary.LittleEndian.Uint32(entry[0:4])
	length := binary.LittleEndian.Uint32(entry[4:8])
	blocks := numBlocks(length, s.nodeSize)
	nodes := s.chainNodes(link, blocks)

	rest := other
	for k, nodeIdx := range nodes {
		payload := int(blockPayload(uint32(k), blocks, length, s.nodeSize))
		node := s.nodeBytes(nodeIdx)[:payload]
		n := payload
		if n > len(rest) {
			n = len(rest)
		}
		if c := bytes.Compare(rest[:n], node[:n]); c != 0 {
			return c, nil
		}
		if n < payload {
			// other ran out inside this node's payload: it's a strict
			// prefix of the stored content, hence shorter.
			return -1, nil
		}
		rest = rest[n:]
	}
	switch {
	case len(other) == int(length):
		return 0, nil
	case len(other) < int(length):
		return -1, nil
	default:
		return 1, nil
	}
}

// Compare2 compares entries i and j's content directly, walking both
// chains in lockstep without materializing either blob.
func (s *Store) Compare2(i, j radb.Handle) (int, error) {
	ii, jj := uint32(i), uint32(j)
	if ii >= s.numEntries() || jj >= s.numEntries() {
		return 0, fmt.Errorf("blobstore: index out of range")
	}
	ei, ej := s.entryBytes(ii), s.entryBytes(jj)
	linkI, lenI := binary.LittleEndian.Uint32(ei[0:4]), binary.LittleEndian.Uint32(ei[4:8])
	linkJ, lenJ := binary.LittleEndian.Uint32(ej[0:4]), binary.LittleEndian.Uint32(ej[4:8])
	blocksI := numBlocks(lenI, s.nodeSize)
	blocksJ := numBlocks(lenJ, s.nodeSize)
	nodesI := s.chainNodes(linkI, blocksI)
	nodesJ := s.chainNodes(linkJ, blocksJ)

	var oi, oj, ci, cj uint32
	remainI, remainJ := lenI, lenJ
	for remainI > 0 && remainJ > 0 {
		payI := blockPayload(oi, blocksI, lenI, s.nodeSize) - ci
		payJ := blockPayload(oj, blocksJ, lenJ, s.nodeSize) - cj
		n := payI
		if payJ < n {
			n = payJ
		}
		if remainI < n {
			n = remainI
		}
		if remainJ < n {
			n = remainJ
		}
		a := s.nodeBytes(nodesI[oi])[ci : ci+n]
		b := s.nodeBytes(nodesJ[oj])[cj : cj+n]
		if c := bytes.Compare(a, b); c != 0 {
			return c, nil
		}
		ci += n
		cj += n
		remainI -= n
		remainJ -= n
		if ci == blockPayload(oi, blocksI, lenI, s.nodeSize) && remainI > 0 {
			oi++
			ci = 0
		}
		if cj == blockPayload(oj, blocksJ, lenJ, s.nodeSize) && remainJ > 0 {
			oj++
			cj = 0
		}
	}
	switch {
	case lenI == lenJ:
		return 0, nil
	case lenI < lenJ:
		return -1, nil
	default:
		return 1, nil
	}
}
