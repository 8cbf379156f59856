// Package mmapfile provides the growable, read-write memory-mapped file
// abstraction shared by every radb store and index.
package mmapfile

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/radb-project/radb/continuity"
	"github.com/radb-project/radb/internal/rlog"
)

// File is a single memory-mapped file, grown by extending the file and then
// unmapping and remapping it. Go exposes no portable mremap, so growth always takes the
// unmap/remap path.
type File struct {
	path string
	f    *os.File
	data mmap.MMap
	size int64
}

// Create truncates or creates path at size and maps it read-write.
func Create(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	mf := &File{path: path, f: f}
	if err := mf.remap(size); err != nil {
		f.Close()
		return nil, err
	}
	fadvise(f)
	return mf, nil
}

// Open maps an existing file read-write at its current size. It returns
// os.ErrNotExist (wrapped) if path does not exist.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	mf := &File{path: path, f: f}
	if stat.Size() > 0 {
		if err := mf.remap(stat.Size()); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		mf.size = 0
	}
	fadvise(f)
	return mf, nil
}

func fadvise(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}

func (mf *File) remap(size int64) error {
	if mf.data != nil {
		if err := mf.data.Unmap(); err != nil {
			return err
		}
		mf.data = nil
	}
	if size == 0 {
		mf.size = 0
		return nil
	}
	m, err := mmap.MapRegion(mf.f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return err
	}
	mf.data = m
	mf.size = size
	return nil
}

// Bytes returns the current mapped region. The returned slice is invalid
// after the next call to Grow.
func (mf *File) Bytes() []byte { return mf.data }

// Size returns the current mapped length in bytes.
func (mf *File) Size() int64 { return mf.size }

// Grow extends the file to newSize and remaps it. newSize below the
// current size is a no-op. The file's length is extended before the
// mapping is re-established; callers must write the new logical size into
// their own header only after Grow returns successfully, so a crash
// mid-growth leaves a detectable mismatch instead of silent truncation.
func (mf *File) Grow(newSize int64) error {
	if newSize <= mf.size {
		return nil
	}
	err := continuity.New().
		Thenf("extend file", func() error { return mf.f.Truncate(newSize) }).
		Thenf("remap", func() error { return mf.remap(newSize) }).
		Err()
	if err != nil {
		return err
	}
	rlog.Debug("mmapfile: grew", "path", mf.path, "size", humanize.Bytes(uint64(newSize)))
	return nil
}

// Sync flushes the mapped pages to disk.
func (mf *File) Sync() error {
	if mf.data == nil {
		return nil
	}
	return mf.data.Flush()
}

// Close unmaps and closes the underlying file.
func (mf *File) Close() error {
	var unmapErr error
	if mf.data != nil {
		unmapErr = mf.data.Unmap()
		mf.data = nil
	}
	closeErr := mf.f.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
