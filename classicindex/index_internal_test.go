package classicindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radb-project/radb"
)

// trivial in-memory key store used only to whitebox-test probe-order
// maintenance without pulling in blobstore/adapter.
type memKeys struct{ vals [][]byte }

func (m *memKeys) compare(key []byte, h radb.Handle) (int, error) {
	return bytes.Compare(key, m.vals[uint32(h)]), nil
}

func (m *memKeys) insert(key []byte) (radb.Handle, error) {
	m.vals = append(m.vals, append([]byte{}, key...))
	return radb.Handle(len(m.vals) - 1), nil
}

func (m *memKeys) release(h radb.Handle) error { return nil }

func (m *memKeys) keyBytes(h radb.Handle) ([]byte, error) { return m.vals[uint32(h)], nil }

func (m *memKeys) callbacks() Callbacks {
	return Callbacks{Compare: m.compare, Insert: m.insert, Release: m.release, KeyBytes: m.keyBytes}
}

// checkReachable asserts that every live slot's entry is found by a search
// for its own key. A search walks the key's probe sequence and gives up at
// the first empty slot, smaller hash, or smaller equal-hash key, so this
// passing means displacement kept every probe prefix correctly ordered.
func checkReachable(t *testing.T, idx *Index, m *memKeys) {
	t.Helper()
	for i := uint32(0); i < idx.size(); i++ {
		link := idx.linkAt(i)
		if link == invalidLink || link == deletedLink {
			continue
		}
		key := m.vals[link]
		got, ok, err := idx.Search(key)
		require.NoError(t, err)
		require.Truef(t, ok, "entry at slot %d (key %q) unreachable", i, key)
		require.Equal(t, radb.Handle(link), got)
	}
}

func TestEveryEntryReachableAfterEachInsert(t *testing.T) {
	dir := t.TempDir()
	m := &memKeys{}
	idx, err := Create(filepath.Join(dir, "p"), radb.SignatureClassicStringIndex, 0, m.callbacks())
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 200; i++ {
		_, _, err := idx.Insert([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		checkReachable(t, idx, m)
	}
}

// A string-index file in the old 16-byte-header layout is migrated on open
// via the temp-file-and-rename protocol: the version advances, the deleted
// counter appears zeroed, and the carried-over slots stay searchable.
func TestOpenUpgradesV0StringIndex(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "v0")
	m := &memKeys{}

	key := []byte("carried-over")
	h, err := m.insert(key)
	require.NoError(t, err)
	hash := radb.Hash32(key)

	const size = 64
	raw := make([]byte, headerSizeV0+size*slotSize)
	binary.LittleEndian.PutUint32(raw[offSignature:], radb.SignatureWord(radb.SignatureClassicStringIndex))
	binary.LittleEndian.PutUint32(raw[offVersion:], radb.MakeVersion(1, 0))
	binary.LittleEndian.PutUint32(raw[offSize:], size)
	binary.LittleEndian.PutUint32(raw[offSpace:], size-1)
	for i := 0; i < size; i++ {
		binary.LittleEndian.PutUint32(raw[headerSizeV0+i*slotSize+4:], invalidLink)
	}
	slot := headerSizeV0 + int(hash&(size-1))*slotSize
	binary.LittleEndian.PutUint32(raw[slot:], hash)
	binary.LittleEndian.PutUint32(raw[slot+4:], uint32(h))
	require.NoError(t, os.WriteFile(prefix+".index", raw, 0o666))

	idx, err := Open(prefix, m.callbacks())
	require.NoError(t, err)
	defer idx.Close()

	require.Equal(t, radb.MakeVersion(1, 1), binary.LittleEndian.Uint32(idx.header()[offVersion:]))
	require.Equal(t, uint32(0), idx.NumDeleted())
	require.Equal(t, uint32(1), idx.NumEntries())

	got, ok, err := idx.Search(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)

	_, created, err := idx.Insert([]byte("post-upgrade"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, uint32(2), idx.NumEntries())
}

func TestEveryEntryReachableThroughDeleteChurn(t *testing.T) {
	dir := t.TempDir()
	m := &memKeys{}
	idx, err := Create(filepath.Join(dir, "p"), radb.SignatureClassicStringIndex, 0, m.callbacks())
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 40; i++ {
		_, _, err := idx.Insert([]byte(fmt.Sprintf("churn-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 40; i += 3 {
		_, _, err := idx.Delete([]byte(fmt.Sprintf("churn-%d", i)))
		require.NoError(t, err)
		checkReachable(t, idx, m)
	}
	for i := 0; i < 40; i++ {
		_, _, err := idx.Insert([]byte(fmt.Sprintf("churn2-%d", i)))
		require.NoError(t, err)
		checkReachable(t, idx, m)
	}
	for i := 0; i < 40; i++ {
		_, ok, err := idx.Search([]byte(fmt.Sprintf("churn2-%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		want := i%3 != 0
		_, ok, err = idx.Search([]byte(fmt.Sprintf("churn-%d", i)))
		require.NoError(t, err)
		require.Equal(t, want, ok)
	}
}
