package mmapfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateGrowPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")

	f, err := Create(path, 16)
	require.NoError(t, err)
	require.Equal(t, int64(16), f.Size())

	copy(f.Bytes(), []byte("hello world!1234"))
	require.NoError(t, f.Grow(32))
	require.Equal(t, int64(32), f.Size())
	require.Equal(t, "hello world!1234", string(f.Bytes()[:16]))

	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(32), reopened.Size())
	require.Equal(t, "hello world!1234", string(reopened.Bytes()[:16]))
}

func TestGrowNoopWhenSmaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.data")
	f, err := Create(path, 64)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Grow(32))
	require.Equal(t, int64(64), f.Size())
}
