package hoardcore

import "sync"

// heap is one entry of the heap table (spec.md §3): the global parent
// at index 0, or the per-CPU heap for CPU i at index i+1. Its mutex
// guards every mutation of a, u, bins, and largeHead, and — jointly
// with the peer heap's mutex during a cross-heap move — the linkage
// and ownerHeap fields of any superblock or large node it currently
// owns (spec.md §3's ownership invariant).
//
// The bin matrix and large-block list are intrusive doubly linked
// lists threaded through the superblock/largeNode headers themselves,
// the same shape as container/list's Element.next/prev pair but
// specialized to a fixed-size struct with its own prev/next fields
// instead of wrapping an interface{} value — spec.md §9 calls for
// exactly this: "model as an intrusive link embedded in the object
// header, with list operations expressed as a small abstraction over
// (head, prev_of, next_of)."
type heap struct {
	mu sync.Mutex

	index int // 0 = global, i+1 = CPU i

	a uintptr // allocated bytes: (count of owned superblocks) * superblockSize
	u uintptr // used bytes across all owned superblocks

	bins [NumSizeClasses][NumFullnessClasses]*superblock

	largeHead *largeNode
}

// binInsertFront pushes sb at the head of bins[class][fullness].
func (h *heap) binInsertFront(class, fullness int, sb *superblock) {
	head := h.bins[class][fullness]
	sb.prev = nil
	sb.next = head
	if head != nil {
		head.prev = sb
	}
	h.bins[class][fullness] = sb
}

// binRemove unlinks sb from bins[class][fullness], fixing up the head
// pointer if sb was it.
func (h *heap) binRemove(class, fullness int, sb *superblock) {
	if sb.prev != nil {
		sb.prev.next = sb.next
	} else {
		h.bins[class][fullness] = sb.next
	}
	if sb.next != nil {
		sb.next.prev = sb.prev
	}
	sb.prev, sb.next = nil, nil
}

// largePushFront pushes n at the head of the heap's large-block list.
func (h *heap) largePushFront(n *largeNode) {
	head := h.largeHead
	n.prev = nil
	n.next = head
	if head != nil {
		head.prev = n
	}
	h.largeHead = n
}

// largeRemove unlinks n from the heap's large-block list.
func (h *heap) largeRemove(n *largeNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		h.largeHead = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev, n.next = nil, nil
}

// findLargeFit scans the large-block list first-fit for a node with at
// least numPages pages (spec.md §4.4 step 2).
func (h *heap) findLargeFit(numPages uintptr) *largeNode {
	for n := h.largeHead; n != nil; n = n.next {
		if n.npages >= numPages {
			return n
		}
	}
	return nil
}

// binCoord names one cell of a heap's (size class, fullness) matrix,
// the unit moveSuperblock operates on.
type binCoord struct {
	heap     *heap
	class    int
	fullness int
}

// moveSuperblock is spec.md §4.6's move_superblk: the single
// primitive shared by small-path allocation, small-path deallocation,
// and the per-CPU<->global emptiness transfer. It unlinks sb from src
// and pushes it at the head of dest; if the two bins belong to
// different heaps it also re-stamps ownership and transfers sb's
// accounted bytes between the heaps' (a, u) counters.
//
// Callers must hold src.heap's mutex, and — whenever src.heap is not
// dest.heap — dest.heap's mutex too, acquired in the order spec.md §5
// mandates (own heap first, global second; no two per-CPU heaps are
// ever locked at once, so one of src.heap/dest.heap is always the
// global heap in a cross-heap call).
func moveSuperblock(sb *superblock, src, dest binCoord, superblockSize uintptr) {
	src.heap.binRemove(src.class, src.fullness, sb)
	dest.heap.binInsertFront(dest.class, dest.fullness, sb)

	if src.heap != dest.heap {
		sb.setOwner(dest.heap.index)
		used := uintptr(sb.used) * sb.blockClass
		src.heap.u -= used
		src.heap.a -= superblockSize
		dest.heap.u += used
		dest.heap.a += superblockSize
	}
}

// tooEmpty implements the emptiness threshold of spec.md §3/§4.3: a
// per-CPU heap releases a superblock only when both the ratio and the
// absolute-slack condition hold.
func tooEmpty(allocated, used, superblockSize uintptr) bool {
	if allocated < EmptyThresholdK*superblockSize {
		return false
	}
	return used < allocated/4 && used < allocated-EmptyThresholdK*superblockSize
}
