package linearindex_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/adapter"
	"github.com/radb-project/radb/blobstore"
	"github.com/radb-project/radb/linearindex"
)

func newIndex(t *testing.T, prefix string) (*linearindex.Index, *blobstore.Store) {
	t.Helper()
	bs, err := blobstore.Create(prefix, 32, 512)
	require.NoError(t, err)
	idx, err := linearindex.Create(prefix)
	require.NoError(t, err)
	return idx, bs
}

func blobAdapter(bs *blobstore.Store) (linearindex.Comparer, linearindex.Inserter) {
	compare := func(key []byte, h radb.Handle) (int, error) { return bs.Compare(key, h) }
	insert := func(key []byte) (radb.Handle, error) {
		h, err := bs.Alloc()
		if err != nil {
			return radb.Invalid, err
		}
		if err := bs.Set(h, key); err != nil {
			return radb.Invalid, err
		}
		return h, nil
	}
	return compare, insert
}

func TestRoundTripInsertSearch(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	key := []byte("hello, this key is long enough to leave the cell")
	hash := radb.Hash32(key)
	h, created, err := idx.Insert(hash, adapter.InlineKey(key), key, compare, insert)
	require.NoError(t, err)
	require.True(t, created)

	got, ok, err := idx.Search(hash, adapter.InlineKey(key), key, compare)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestInsertIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	key := []byte("duplicated key, longer than sixteen bytes")
	hash := radb.Hash32(key)
	h1, created1, err := idx.Insert(hash, adapter.InlineKey(key), key, compare, insert)
	require.NoError(t, err)
	require.True(t, created1)

	h2, created2, err := idx.Insert(hash, adapter.InlineKey(key), key, compare, insert)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, h1, h2)
	require.Equal(t, uint32(1), idx.Count())
}

func TestDeleteRemovesAndReportsHandle(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	key := []byte("soon to be gone, also longer than the cell")
	hash := radb.Hash32(key)
	inserted, _, err := idx.Insert(hash, adapter.InlineKey(key), key, compare, insert)
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx.Count())

	h, ok, err := idx.Delete(hash, adapter.InlineKey(key), key, compare)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, inserted, h)
	require.Equal(t, uint32(0), idx.Count())

	_, found, err := idx.Search(hash, adapter.InlineKey(key), key, compare)
	require.NoError(t, err)
	require.False(t, found)

	_, ok, err = idx.Delete(hash, adapter.InlineKey(key), key, compare)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManyInsertsRemainFindable(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	var keys [][]byte
	for i := 0; i < 500; i++ {
		keys = append(keys, []byte(fmt.Sprintf("an-entry-key-longer-than-the-cell-%d", i)))
	}
	handles := make([]radb.Handle, len(keys))
	for i, k := range keys {
		hash := radb.Hash32(k)
		h, created, err := idx.Insert(hash, adapter.InlineKey(k), k, compare, insert)
		require.NoError(t, err)
		require.True(t, created)
		handles[i] = h
	}
	require.Equal(t, uint32(500), idx.Count())
	// One bucket to start with, one split per created entry.
	require.Equal(t, uint32(501), idx.NumOffsets())
	for i, k := range keys {
		hash := radb.Hash32(k)
		h, ok, err := idx.Search(hash, adapter.InlineKey(k), k, compare)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, handles[i], h)
	}
}

// Five inserts with hand-picked hashes: each insert adds one bucket, so
// num_offsets lands at 6, and every entry stays reachable through the
// splits that moved it.
func TestSplitCorrectnessFixedHashSequence(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	hashes := []uint32{0b0001, 0b0010, 0b0011, 0b0100, 0b0101}
	handles := make([]radb.Handle, len(hashes))
	for i, h := range hashes {
		key := []byte(fmt.Sprintf("k%d", i))
		handle, created, err := idx.Insert(h, adapter.InlineKey(key), key, compare, insert)
		require.NoError(t, err)
		require.True(t, created)
		handles[i] = handle
	}

	require.Equal(t, uint32(6), idx.NumOffsets())
	require.Equal(t, uint32(5), idx.Count())

	for i, h := range hashes {
		key := []byte(fmt.Sprintf("k%d", i))
		got, ok, err := idx.Search(h, adapter.InlineKey(key), key, compare)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, handles[i], got)
	}
}

func TestDeleteFromSharedBucketKeepsNeighbours(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newIndex(t, filepath.Join(dir, "l"))
	defer idx.Close()
	defer bs.Close()
	compare, insert := blobAdapter(bs)

	// Equal hashes force all three into one bucket chain; only the inline
	// keys and the store comparison tell them apart.
	const hash = uint32(7)
	keys := [][]byte{
		[]byte("first key sharing the bucket chain"),
		[]byte("second key sharing the bucket chain"),
		[]byte("third key sharing the bucket chain"),
	}
	handles := make([]radb.Handle, len(keys))
	for i, k := range keys {
		h, created, err := idx.Insert(hash, adapter.InlineKey(k), k, compare, insert)
		require.NoError(t, err)
		require.True(t, created)
		handles[i] = h
	}

	// Remove the middle entry; the survivors must remain reachable.
	h, ok, err := idx.Delete(hash, adapter.InlineKey(keys[1]), keys[1], compare)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, handles[1], h)

	for _, i := range []int{0, 2} {
		got, ok, err := idx.Search(hash, adapter.InlineKey(keys[i]), keys[i], compare)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, handles[i], got)
	}
	_, ok, err = idx.Search(hash, adapter.InlineKey(keys[1]), keys[1], compare)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint32(2), idx.Count())
}

func TestExtraWordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "l")
	idx, err := linearindex.Create(prefix)
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx.GetExtra())
	idx.SetExtra(24)
	require.NoError(t, idx.Close())

	reopened, err := linearindex.Open(prefix)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint32(24), reopened.GetExtra())
}
