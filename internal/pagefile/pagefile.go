// Package pagefile implements the paged file backend: a flat
// file partitioned into fixed-size pages, each holding a fixed count of
// fixed-size records, exposing byte-level read/write at record granularity.
// All file access goes through append-only mmap windows
// (golang.org/x/sys/unix).
package pagefile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"hieradb/internal/assert"
	"hieradb/internal/model"
)

// mmapGrowth is how many extra bytes are reserved ahead of the current file
// size on each growth step, avoiding a remap on every single-page append.
const mmapGrowth = 64 << 20 // 64MiB

// File is the paged file backend. One instance per open database file.
type File struct {
	path       string
	fp         *os.File
	headerLen  int
	pageSize   int // records per page
	recordSize int // bytes per record

	mmap struct {
		fileSize int      // file size on disk
		total    int      // total bytes currently mmapped
		chunks   [][]byte // possibly non-contiguous mmap windows
	}
}

// Open opens (creating if necessary) the backing file and establishes the
// initial mmap window.
func Open(path string, headerLen, pageSize, recordSize int) (*File, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %s: %w", path, err)
	}
	f := &File{path: path, fp: fp, headerLen: headerLen, pageSize: pageSize, recordSize: recordSize}
	info, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, fmt.Errorf("pagefile: stat %s: %w", path, err)
	}
	f.mmap.fileSize = int(info.Size())
	if err := f.remap(f.mmap.fileSize); err != nil {
		fp.Close()
		return nil, err
	}
	return f, nil
}

// Close unmaps all windows and closes the file descriptor.
func (f *File) Close() error {
	for _, chunk := range f.mmap.chunks {
		if len(chunk) == 0 {
			continue
		}
		if err := unix.Munmap(chunk); err != nil {
			return fmt.Errorf("pagefile: munmap: %w", err)
		}
	}
	f.mmap.chunks = nil
	return f.fp.Close()
}

// HeaderLength, PageSize, RecordSize report the fixed geometry.
func (f *File) HeaderLength() int { return f.headerLen }
func (f *File) PageSize() int     { return f.pageSize }
func (f *File) RecordSize() int   { return f.recordSize }

// Size reports the backing file's size on disk at Open time (plus any
// growth since), used to distinguish a brand-new file from one whose
// header fails to parse.
func (f *File) Size() int64 { return int64(f.mmap.fileSize) }

// fileIndex computes the byte offset of a record.
func (f *File) fileIndex(page uint32, record uint16) int64 {
	return int64(f.headerLen) + (int64(page)*int64(f.pageSize)+int64(record))*int64(f.recordSize)
}

// EnsureCapacity grows the file and mmap windows so that pages up to and
// including lastPage are addressable.
func (f *File) EnsureCapacity(lastPage uint32) error {
	needed := f.fileIndex(lastPage+1, 0)
	if int(needed) <= f.mmap.fileSize {
		return nil
	}
	if err := f.fp.Truncate(needed); err != nil {
		return fmt.Errorf("pagefile: truncate: %w", err)
	}
	f.mmap.fileSize = int(needed)
	if f.mmap.fileSize > f.mmap.total {
		if err := f.remap(f.mmap.fileSize); err != nil {
			return err
		}
	}
	return nil
}

// remap adds a new mmap window covering at least upTo bytes beyond what's
// already mapped. Windows are append-only: an existing window cannot be
// resized without invalidating outstanding slices.
func (f *File) remap(upTo int) error {
	if upTo <= f.mmap.total {
		return nil
	}
	grow := upTo - f.mmap.total
	if grow < mmapGrowth {
		grow = mmapGrowth
	}
	// Never map past the actual file size; truncate first if needed.
	if f.mmap.total+grow > f.mmap.fileSize {
		if err := f.fp.Truncate(int64(f.mmap.total + grow)); err != nil {
			return fmt.Errorf("pagefile: truncate for mmap: %w", err)
		}
		f.mmap.fileSize = f.mmap.total + grow
	}
	chunk, err := unix.Mmap(int(f.fp.Fd()), int64(f.mmap.total), grow, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pagefile: mmap: %w", err)
	}
	f.mmap.chunks = append(f.mmap.chunks, chunk)
	f.mmap.total += grow
	return nil
}

// copyAt copies len(buf) bytes between the mapping and buf at the given
// file offset, write=true meaning buf -> mapping. Record offsets are not
// aligned to the mmap chunk grid (the header shifts everything), so a span
// may straddle two chunks and is copied piecewise.
func (f *File) copyAt(offset int64, buf []byte, write bool) {
	if offset < 0 || offset+int64(len(buf)) > int64(f.mmap.total) {
		panic(fmt.Sprintf("pagefile: offset %d length %d out of mapped range (mapped %d bytes)", offset, len(buf), f.mmap.total))
	}
	start := int64(0)
	for _, chunk := range f.mmap.chunks {
		end := start + int64(len(chunk))
		if len(buf) > 0 && offset < end {
			o := offset - start
			n := int64(len(chunk)) - o
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			if write {
				copy(chunk[o:o+n], buf[:n])
			} else {
				copy(buf[:n], chunk[o:o+n])
			}
			buf = buf[n:]
			offset += n
		}
		start = end
	}
	assert.That(len(buf) == 0, "pagefile: span not fully mapped")
}

// ReadData copies length bytes starting at fileIndex(page,record)+offset
// into buf.
func (f *File) ReadData(page uint32, record uint16, offset int, buf []byte, length int) {
	idx := f.fileIndex(page, record) + int64(offset)
	f.copyAt(idx, buf[:length], false)
}

// WriteData copies length bytes from buf into the file at
// fileIndex(page,record)+offset.
func (f *File) WriteData(page uint32, record uint16, offset int, buf []byte, length int) {
	idx := f.fileIndex(page, record) + int64(offset)
	f.copyAt(idx, buf[:length], true)
}

// WriteRange writes data (len(data) <= length(range)*recordSize) into the
// records of r starting at its first record.
func (f *File) WriteRange(r model.StorageRange, data []byte) {
	f.WriteData(r.Page, r.Start, 0, data, len(data))
}

// ReadRange reads exactly n bytes starting at the first record of r.
func (f *File) ReadRange(r model.StorageRange, n int) []byte {
	buf := make([]byte, n)
	f.ReadData(r.Page, r.Start, 0, buf, n)
	return buf
}

// Sync flushes mmapped pages and the file to stable storage: msync the
// windows, then fsync the descriptor.
func (f *File) Sync() error {
	for _, chunk := range f.mmap.chunks {
		if len(chunk) == 0 {
			continue
		}
		if err := unix.Msync(chunk, unix.MS_SYNC); err != nil {
			return fmt.Errorf("pagefile: msync: %w", err)
		}
	}
	if err := f.fp.Sync(); err != nil {
		return fmt.Errorf("pagefile: fsync: %w", err)
	}
	return nil
}

// PageCount reports how many whole pages currently fit within the mapped
// file size, used by the storage engine at open time to seed the next
// fresh page number it hands to the FST.
func (f *File) PageCount() uint32 {
	usable := f.mmap.fileSize - f.headerLen
	if usable <= 0 {
		return 0
	}
	bytesPerPage := f.pageSize * f.recordSize
	return uint32(usable / bytesPerPage)
}
