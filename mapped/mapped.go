// Package mapped provides a thin, Unix-only memory-mapped region over a
// fixed byte range of a file. It is deliberately minimal: the transactional
// substrate above it treats the mapping as a portable "mapped region"
// service and synchronizes all higher-level concerns (segment lifetimes,
// shadow pages, transactions) itself.
package mapped

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// ErrOutOfRange is returned when a pointer or offset does not lie inside
// the mapped region.
var ErrOutOfRange = errors.New("mapped: address out of range")

// Region is one memory-mapped, fixed-size byte range of a file, mapped at
// a known file offset. The mapping is stable for the Region's lifetime;
// callers synchronize access at higher layers (segment manager, heap
// manager, transaction layer).
type Region struct {
	data       []byte // syscall.Mmap-backed bytes
	fileOffset int64  // offset within the backing file this region starts at
}

// New mmaps size bytes of f starting at fileOffset, in MAP_SHARED mode so
// writes are visible to other mappings of the same file and are eventually
// written back by the kernel (or explicitly via Flush).
func New(f *os.File, fileOffset int64, size int) (*Region, error) {
	data, err := syscall.Mmap(int(f.Fd()), fileOffset, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapped: mmap offset=%d size=%d: %w", fileOffset, size, err)
	}
	return &Region{data: data, fileOffset: fileOffset}, nil
}

// Close unmaps the region. It must be called exactly once.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("mapped: munmap: %w", err)
	}
	return nil
}

// Len returns the size of the mapped region in bytes.
func (r *Region) Len() int {
	return len(r.data)
}

// RawBase returns a pointer to the first byte of the region (for placing
// headers at offset 0).
func (r *Region) RawBase() unsafe.Pointer {
	return unsafe.Pointer(&r.data[0])
}

// Bytes returns the full mapped region as a byte slice. The slice aliases
// the mapping directly; writes to it are writes to the file.
func (r *Region) Bytes() []byte {
	return r.data
}

// At returns a sub-slice of length n starting at offset, with a bounds
// check in place of undefined behavior on an out-of-range access.
func (r *Region) At(offset int64, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+int64(n) > int64(len(r.data)) {
		return nil, fmt.Errorf("%w: offset=%d len=%d region=%d", ErrOutOfRange, offset, n, len(r.data))
	}
	return r.data[offset : offset+int64(n)], nil
}

// OffsetOf returns the in-region offset of a sub-slice previously returned
// by At (or any slice that aliases r.data), failing with ErrOutOfRange if
// the slice's backing array does not belong to this region.
func (r *Region) OffsetOf(b []byte) (int64, error) {
	base := uintptr(unsafe.Pointer(&r.data[0]))
	end := base + uintptr(len(r.data))
	if len(b) == 0 {
		return 0, ErrOutOfRange
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < base || p >= end {
		return 0, ErrOutOfRange
	}
	return int64(p - base), nil
}

// Flush requests the OS persist dirty pages. async selects MS_ASYNC over
// MS_SYNC; callers durability-sensitive to ordering (WAL rotation, commit)
// should pass async=false.
func (r *Region) Flush(async bool) error {
	flags := syscall.MS_SYNC
	if async {
		flags = syscall.MS_ASYNC
	}
	if err := msync(r.data, flags); err != nil {
		return fmt.Errorf("mapped: msync: %w", err)
	}
	return nil
}
