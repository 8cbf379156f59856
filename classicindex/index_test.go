package classicindex_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radb-project/radb"
	"github.com/radb-project/radb/adapter"
	"github.com/radb-project/radb/blobstore"
	"github.com/radb-project/radb/classicindex"
)

func newStringIndex(t *testing.T, prefix string) (*classicindex.Index, *blobstore.Store) {
	t.Helper()
	bs, err := blobstore.Create(prefix, 32, 512)
	require.NoError(t, err)
	a := adapter.Blob{Store: bs}
	idx, err := classicindex.Create(prefix, radb.SignatureClassicStringIndex, 0, a.Callbacks())
	require.NoError(t, err)
	return idx, bs
}

func TestRoundTripInsertSearch(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	h, created, err := idx.Insert([]byte("hello"))
	require.NoError(t, err)
	require.True(t, created)

	got, ok, err := idx.Search([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)

	buf := make([]byte, 16)
	n, err := bs.Get(got, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestInsertIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	h1, created1, err := idx.Insert([]byte("k"))
	require.NoError(t, err)
	require.True(t, created1)

	h2, created2, err := idx.Insert([]byte("k"))
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, h1, h2)
}

func TestDeleteReleasesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	inserted, _, err := idx.Insert([]byte("gone"))
	require.NoError(t, err)

	h, ok, err := idx.Delete([]byte("gone"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, inserted, h)

	_, found, err := idx.Search([]byte("gone"))
	require.NoError(t, err)
	require.False(t, found)

	_, ok, err = idx.Delete([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)

	// The blob behind the deleted key went back on the free list, so the
	// next insert reuses it.
	reused, _, err := idx.Insert([]byte("newcomer"))
	require.NoError(t, err)
	require.Equal(t, inserted, reused)
}

func TestDeleteDoesNotHideCollidingKeys(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	keys := make([]string, 40)
	for i := range keys {
		keys[i] = fmt.Sprintf("collide-%02d", i)
		_, _, err := idx.Insert([]byte(keys[i]))
		require.NoError(t, err)
	}
	// Knock out every other key, then verify the survivors are all still
	// reachable through whatever tombstones now sit in their probe chains.
	for i := 0; i < len(keys); i += 2 {
		_, ok, err := idx.Delete([]byte(keys[i]))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 1; i < len(keys); i += 2 {
		_, ok, err := idx.Search([]byte(keys[i]))
		require.NoError(t, err)
		require.True(t, ok, "key %q lost after neighbouring deletes", keys[i])
	}
	// Reinserting a deleted key must create a fresh entry, not resurrect
	// the tombstone's stale handle.
	h, created, err := idx.Insert([]byte(keys[0]))
	require.NoError(t, err)
	require.True(t, created)
	got, ok, err := idx.Search([]byte(keys[0]))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

// Inserting 57 keys into a fresh 64-slot table pushes free space below the
// one-eighth threshold; the table must double to 128 with every key still
// findable afterward.
func TestRehashDoublesOnLoad(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	keys := make([]string, 0, 57)
	for i := 0; i < 57; i++ {
		keys = append(keys, fmt.Sprintf("k%04d", i))
	}
	for _, k := range keys {
		_, created, err := idx.Insert([]byte(k))
		require.NoError(t, err)
		require.True(t, created)
	}

	require.Equal(t, uint32(57), idx.NumEntries())
	for _, k := range keys {
		h, ok, err := idx.Search([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "key %q must remain findable after rehash", k)
		require.True(t, h.Valid())
	}
}

// Populate near the rehash trigger, delete most of the entries, then push
// one more insert through: with tombstones accounting for the lost space
// the rebuild must compact at the same size rather than double, leaving
// zero tombstones behind.
//
// space only ever decreases on insert and is untouched by delete, so the
// rebuild trigger fires strictly on total insert count: at size 64 the
// 56th insert attempt is the first to see the threshold.
func TestTombstoneTriggersCompactionNotDoubling(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	var keys []string
	for i := 0; idx.NumEntries() < 55; i++ {
		k := fmt.Sprintf("pre%04d", i)
		_, created, err := idx.Insert([]byte(k))
		require.NoError(t, err)
		if created {
			keys = append(keys, k)
		}
	}
	require.Equal(t, uint32(55), idx.NumEntries())

	const deletedCount = 30
	for i := 0; i < deletedCount; i++ {
		_, ok, err := idx.Delete([]byte(keys[i]))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, uint32(deletedCount), idx.NumDeleted())

	// The 56th insert attempt against the still-size-64 table trips the
	// rebuild; reclaiming 30 tombstones frees far more than an eighth of
	// the table, so it compacts in place.
	_, _, err := idx.Insert([]byte("trigger-compaction"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx.NumDeleted())
	require.Equal(t, uint32(len(keys)-deletedCount+1), idx.NumEntries())

	for i, k := range keys {
		h, ok, err := idx.Search([]byte(k))
		require.NoError(t, err)
		if i < deletedCount {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.True(t, h.Valid())
		}
	}
}

// The callback fires exactly once per live handle, and never for a handle
// whose key was deleted.
func TestForeachVisitsEachLiveHandleOnce(t *testing.T) {
	dir := t.TempDir()
	idx, bs := newStringIndex(t, filepath.Join(dir, "s"))
	defer idx.Close()
	defer bs.Close()

	handles := map[radb.Handle]bool{}
	for i := 0; i < 20; i++ {
		h, _, err := idx.Insert([]byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		handles[h] = true
	}
	deleted, _, err := idx.Insert([]byte("will-delete"))
	require.NoError(t, err)
	_, ok, err := idx.Delete([]byte("will-delete"))
	require.NoError(t, err)
	require.True(t, ok)

	seen := map[radb.Handle]int{}
	idx.Foreach(func(h radb.Handle) bool {
		seen[h]++
		return true
	})

	require.Equal(t, len(handles), len(seen))
	for h := range handles {
		require.Equal(t, 1, seen[h])
	}
	require.NotContains(t, seen, deleted)
	require.Equal(t, uint32(len(handles)), idx.NumEntries())
}
