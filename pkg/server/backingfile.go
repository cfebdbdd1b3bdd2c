package server

import (
	"errors"
	"os"

	"github.com/flexnbd/flexnbd/internal/errx"
	"golang.org/x/sys/unix"
)

var (
	ErrOpenBackingFile = errors.New("server: failed to open backing file")
	ErrStatBackingFile = errors.New("server: failed to stat backing file")
	ErrMmapBackingFile = errors.New("server: failed to mmap backing file")
)

// BackingFile is the single fixed-size file a server exports, memory-mapped
// shared for the lifetime of the server and of each client handler, per
// spec.md §3. Size is fixed at open time from the file's stat.
type BackingFile struct {
	file *os.File
	size uint64
	data []byte
}

// OpenBackingFile opens path for read/write and maps it MAP_SHARED.
func OpenBackingFile(path string) (*BackingFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errx.Wrap(ErrOpenBackingFile, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errx.Wrap(ErrStatBackingFile, err)
	}
	size := uint64(info.Size())

	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, errx.Wrap(ErrMmapBackingFile, err)
		}
		_ = unix.Madvise(data, unix.MADV_RANDOM)
	}

	return &BackingFile{file: f, size: size, data: data}, nil
}

// Size returns the fixed byte size of the backing file.
func (b *BackingFile) Size() uint64 { return b.size }

// Fd returns the open file descriptor, used for sendfile reads.
func (b *BackingFile) Fd() int { return int(b.file.Fd()) }

// Bytes returns the memory-mapped region backing the file. Callers
// serialise overlapping writes only through the allocation bitset's lock,
// per spec.md §3 — NBD itself specifies no ordering between concurrent
// overlapping writes.
func (b *BackingFile) Bytes() []byte { return b.data }

// Msync flushes the page-aligned window covering [from, from+length) (or
// the whole mapping if length is 0) to disk and invalidates other
// mappings' caches, per spec.md §4.3 FUA/FLUSH handling.
func (b *BackingFile) Msync(from, length uint64) error {
	if len(b.data) == 0 {
		return nil
	}
	if length == 0 {
		return unix.Msync(b.data, unix.MS_SYNC|unix.MS_INVALIDATE)
	}
	const pageSize = 4096
	start := (from / pageSize) * pageSize
	end := from + length
	if end > b.size {
		end = b.size
	}
	if end <= start {
		return nil
	}
	return unix.Msync(b.data[start:end], unix.MS_SYNC|unix.MS_INVALIDATE)
}

// Close unmaps and closes the backing file.
func (b *BackingFile) Close() error {
	if len(b.data) > 0 {
		_ = unix.Munmap(b.data)
	}
	return b.file.Close()
}
