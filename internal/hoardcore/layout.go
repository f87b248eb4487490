package hoardcore

import (
	"sync/atomic"
	"unsafe"
)

// chunkType is the shared discriminant at offset 0 of every
// page-aligned chunk the allocator hands out headers for: a
// superblock or a large-block node (spec.md §3, §9 — "model as a
// tagged union with a shared discriminant field at offset 0"). Free
// recovers it by masking the payload pointer down to page alignment
// and reading this field, never by any other means.
type chunkType uint32

const (
	chunkSuperblock chunkType = 0
	chunkLargeBlock chunkType = 1
)

// bitmapBytes covers one bit per block at the smallest block class,
// i.e. at least 512 bits (64 bytes) for 4 KiB pages and 8-byte blocks
// (spec.md §3's sizing rule for the block bitmap).
const bitmapBytes = 4096 / 8 / 8

// superblock is the page-resident header of one fixed-size-block
// superblock. It is overlaid directly on the first bytes of the page
// it describes, recovered via unsafe.Pointer the same way the
// corpus's own allocator recovers mspan-style metadata from a raw
// page address (see the span/page-header pattern throughout
// _examples/wenfang-golang1.6-src/src/runtime/mheap.go and
// _examples/cloudfly-readgo/runtime/malloc.go) — except here, per
// spec.md's design note, the header lives inside the page it
// describes rather than in a side table, so the struct's first field
// must be the discriminant and nothing may reorder it.
type superblock struct {
	typ        chunkType
	blockClass uintptr
	bitmap     [bitmapBytes]byte
	used       int32
	ownerHeap  int32 // mutated only under a lock; read lock-free on the free path (spec.md §5)
	prev       *superblock
	next       *superblock
}

func (sb *superblock) owner() int {
	return int(atomic.LoadInt32(&sb.ownerHeap))
}

func (sb *superblock) setOwner(idx int) {
	atomic.StoreInt32(&sb.ownerHeap, int32(idx))
}

func (sb *superblock) base() uintptr {
	return uintptr(unsafe.Pointer(sb))
}

// headerBlocks returns the number of blocks of sb's current
// block_class permanently reserved by the header itself, rounded up
// per spec.md §3/§4.2.
func headerBlocks(class uintptr) int {
	hdr := unsafe.Sizeof(superblock{})
	return int(ceilDiv(hdr, class))
}

// resetSuperblock re-lays a superblock's header for class, zeroing the
// bitmap and re-marking the header's own blocks permanently in use, as
// spec.md's open-question resolution requires (§9: "The spec requires
// a full reinit via the superblock-creation primitive, which does
// zero the bitmap"). It never touches prev/next: callers that reinit
// an already-linked superblock (spec.md §4.2 step 2a) must unlink or
// relink it themselves via moveSuperblock.
func resetSuperblock(sb *superblock, class uintptr) {
	sb.typ = chunkSuperblock
	sb.blockClass = class
	for i := range sb.bitmap {
		sb.bitmap[i] = 0
	}

	hdrBlocks := headerBlocks(class)
	for i := 0; i < hdrBlocks; i++ {
		bitmapSet(sb.bitmap[:], i)
	}
	sb.used = int32(hdrBlocks)
}

// largeNode is the page-resident header of one large-block allocation
// (spec.md §3, §4.4/§4.5): a run of npages pages, the first of which
// holds this header. The payload returned to the caller is header+1.
type largeNode struct {
	typ       chunkType
	npages    uintptr
	ownerHeap int32
	prev      *largeNode
	next      *largeNode
}

func (n *largeNode) owner() int {
	return int(atomic.LoadInt32(&n.ownerHeap))
}

func (n *largeNode) setOwner(idx int) {
	atomic.StoreInt32(&n.ownerHeap, int32(idx))
}

func (n *largeNode) payload() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(n)) + unsafe.Sizeof(largeNode{}))
}

// chunkTypeAt reads the discriminant at a page-aligned address,
// implementing spec.md §3's "type discrimination on free."
func chunkTypeAt(pageBase uintptr) chunkType {
	return *(*chunkType)(unsafe.Pointer(pageBase))
}
