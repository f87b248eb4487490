// Package memregion is the raw-region provider the allocator core
// grows against: a contiguous, page-granular bump allocator backed by
// a single anonymous mmap, mirroring the memlib.c that ships beside
// the original a2alloc.c (see _examples/original_source/a2alloc.c,
// which calls mem_init/mem_sbrk/mem_pagesize exactly as this package
// does). The allocator core treats this as an external collaborator:
// it never shrinks or coalesces the region, it only grows it.
package memregion

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultCapacity is the size of the virtual address range reserved by
// New when the caller does not supply one. The range is reserved, not
// committed; growth only touches pages as Sbrk hands them out.
const DefaultCapacity = 1 << 32 // 4 GiB

// Region is a single contiguous bump-allocated arena. The zero Region
// is not usable; construct one with New.
type Region struct {
	mu       sync.Mutex
	base     uintptr
	capacity uintptr
	used     uintptr
	pageSize uintptr
	mapped   []byte
}

// New reserves a contiguous anonymous mapping of capacity bytes and
// returns a Region ready to be grown with Sbrk. capacity is rounded up
// to a whole number of pages.
func New(capacity uintptr) (*Region, error) {
	pageSize := uintptr(unix.Getpagesize())
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	capacity = roundUp(capacity, pageSize)

	b, err := unix.Mmap(-1, 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "memregion: mmap reserve failed")
	}

	return &Region{
		base:     uintptr(unsafe.Pointer(&b[0])),
		capacity: capacity,
		pageSize: pageSize,
		mapped:   b,
	}, nil
}

// PageSize reports the OS page size this region was created with.
func (r *Region) PageSize() uintptr {
	return r.pageSize
}

// Sbrk grows the region by n bytes and returns the base address of the
// new extent, or an error if the region is exhausted. n need not be a
// multiple of the page size, but callers on the allocator's small and
// large paths always request whole pages.
func (r *Region) Sbrk(n uintptr) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n == 0 {
		return r.base + r.used, nil
	}
	if r.used+n > r.capacity {
		return 0, errors.Errorf("memregion: out of memory (requested %d, %d of %d bytes used)", n, r.used, r.capacity)
	}

	p := r.base + r.used
	r.used += n
	return p, nil
}

// Close releases the underlying mapping. It is intended for use by
// tests that create many short-lived Regions; production callers hold
// a single process-wide Region for the process lifetime.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	return errors.Wrap(err, "memregion: munmap failed")
}

func roundUp(n, mult uintptr) uintptr {
	if mult == 0 {
		return n
	}
	return (n + mult - 1) &^ (mult - 1)
}
