package hoardcore

import "unsafe"

// Allocate is spec.md §6's allocate(size): route to the large path
// above half a superblock, otherwise the small path, returning a
// block-class-aligned address or nil on raw-region exhaustion.
func (a *Allocator) Allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if size > a.pageSize/2 {
		return a.allocateLarge(size)
	}

	idx, class, ok := classFor(size)
	if !ok {
		// Only reachable if a caller configures a superblock size
		// larger than 2*2048 bytes; the largest size class can no
		// longer cover everything up to half a superblock. Fall back
		// to the large path rather than silently failing.
		return a.allocateLarge(size)
	}

	heapIdx := a.cpuHeapIndex()
	return a.allocateSmall(idx, class, heapIdx)
}

// Free is spec.md §6's deallocate(address): recover the chunk header
// by masking the pointer to page alignment, read the type
// discriminant, and dispatch to the small or large free path.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	p := uintptr(ptr)
	pageBase := p &^ (a.pageSize - 1)

	switch chunkTypeAt(pageBase) {
	case chunkLargeBlock:
		a.freeLarge((*largeNode)(unsafe.Pointer(pageBase)))
	default:
		a.freeSmall((*superblock)(unsafe.Pointer(pageBase)), p)
	}
}

// cpuHeapIndex resolves spec.md §4.1's heap routing: cpu_id+1, or 0
// (the global heap) if the affinity query fails — the "reasonable
// policy" §4.1 names for an AffinityQueryFailure (§7).
func (a *Allocator) cpuHeapIndex() int {
	cpu, err := a.cpu.Current()
	if err != nil {
		a.log.Printf("hoard: affinity query failed, routing to global heap: %v", err)
		return 0
	}
	if cpu < 0 || cpu >= a.numCPU {
		a.log.Printf("hoard: affinity query returned out-of-range cpu %d (numCPU=%d), routing to global heap", cpu, a.numCPU)
		return 0
	}
	return cpu + 1
}

// allocateSmall implements spec.md §4.2 in full: search the target
// heap's own bins, refill from the global heap if none are usable,
// then claim a free block and re-bin for fullness.
func (a *Allocator) allocateSmall(classIdx int, class uintptr, heapIdx int) unsafe.Pointer {
	h := a.heaps[heapIdx]
	global := a.heaps[0]

	h.mu.Lock()

	sb, curF := a.findUsableSuperblock(h, classIdx)
	if sb == nil {
		sameHeap := h == global
		if !sameHeap {
			global.mu.Lock()
		}
		var err error
		sb, err = a.refillFromGlobal(h, global, classIdx, class)
		if !sameHeap {
			global.mu.Unlock()
		}
		if err != nil {
			h.mu.Unlock()
			a.log.Printf("hoard: allocate(class %d) failed: %v", classIdx, err)
			return nil
		}
		if sb == nil {
			h.mu.Unlock()
			return nil
		}
		curF = 1 // refillFromGlobal always lands the superblock in bins[sz_id][1]
	}

	blk := a.claimBlock(h, sb, classIdx, curF, class)
	h.mu.Unlock()
	return blk
}

// findUsableSuperblock is step 1 of spec.md §4.2: scan
// bins[sz_id][f] most-full first (f = 4..0), returning the first
// superblock with spare capacity.
func (a *Allocator) findUsableSuperblock(h *heap, classIdx int) (*superblock, int) {
	for f := 4; f >= 0; f-- {
		for sb := h.bins[classIdx][f]; sb != nil; sb = sb.next {
			capacity := int(a.pageSize / sb.blockClass)
			if int(sb.used) < capacity {
				return sb, f
			}
		}
	}
	return nil, 0
}

// refillFromGlobal is step 2 of spec.md §4.2: under both h's and the
// global heap's locks (or just h's, when h is the global heap), find
// or create a superblock of class and migrate it into h's bins[sz_id][1].
func (a *Allocator) refillFromGlobal(h, global *heap, classIdx int, class uintptr) (*superblock, error) {
	// 2a. any completely empty superblock, any class, reinitialized to class.
	for c := 0; c < NumSizeClasses; c++ {
		if sb := global.bins[c][0]; sb != nil {
			global.u -= uintptr(sb.used) * sb.blockClass
			resetSuperblock(sb, class)
			global.u += uintptr(sb.used) * sb.blockClass
			moveSuperblock(sb, binCoord{global, c, 0}, binCoord{h, classIdx, 1}, a.pageSize)
			return sb, nil
		}
	}

	// 2b. a nearly-empty superblock of the right class.
	if sb := global.bins[classIdx][1]; sb != nil {
		moveSuperblock(sb, binCoord{global, classIdx, 1}, binCoord{h, classIdx, 1}, a.pageSize)
		return sb, nil
	}

	// 2c. a fresh page from the raw-region provider, under the system lock.
	sb, err := a.newSuperblock(class)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, nil
	}
	global.a += a.pageSize
	global.u += uintptr(sb.used) * sb.blockClass
	global.binInsertFront(classIdx, 0, sb)
	moveSuperblock(sb, binCoord{global, classIdx, 0}, binCoord{h, classIdx, 1}, a.pageSize)
	return sb, nil
}

// newSuperblock grows the raw region by one page and lays a fresh
// superblock header of class on it (spec.md §4.2 step 2c). When the
// raw-region provider is exhausted it returns the provider's error.
func (a *Allocator) newSuperblock(class uintptr) (*superblock, error) {
	a.systemMu.Lock()
	base, err := a.region.Sbrk(a.pageSize)
	a.systemMu.Unlock()
	if err != nil {
		return nil, err
	}

	sb := (*superblock)(unsafe.Pointer(base))
	resetSuperblock(sb, class)
	sb.setOwner(0)
	return sb, nil
}

// claimBlock is steps 3-4 of spec.md §4.2: find the lowest clear bit
// in sb's bitmap, mark it used, update counters, and migrate sb to its
// new fullness bin if usage crossed a bracket boundary.
func (a *Allocator) claimBlock(h *heap, sb *superblock, classIdx, curF int, class uintptr) unsafe.Pointer {
	capacity := int(a.pageSize / class)
	blkIdx := bitmapFindFirstClear(sb.bitmap[:], capacity)
	if blkIdx < 0 {
		// findUsableSuperblock/refillFromGlobal only ever hand back a
		// superblock with spare capacity; this would mean a prior
		// step miscounted.
		return nil
	}

	bitmapSet(sb.bitmap[:], blkIdx)
	sb.used++
	h.u += class

	newF := fullnessBin(int(sb.used), capacity)
	if newF != curF {
		h.binRemove(classIdx, curF, sb)
		h.binInsertFront(classIdx, newF, sb)
	}

	return unsafe.Pointer(sb.base() + uintptr(blkIdx)*class)
}

// freeSmall is spec.md §4.3: recover the owning heap from the
// superblock header, retrying if a concurrent cross-heap migration
// changed ownership between the unlocked peek and the lock
// acquisition (spec.md §5's documented retry rule).
func (a *Allocator) freeSmall(sb *superblock, payload uintptr) {
	for {
		ownerIdx := sb.owner()
		h := a.heaps[ownerIdx]
		h.mu.Lock()

		if sb.owner() != ownerIdx {
			h.mu.Unlock()
			continue
		}

		a.freeSmallLocked(h, sb, payload)
		h.mu.Unlock()
		return
	}
}

// freeSmallLocked is the body of spec.md §4.3 steps 4-6, run with h's
// mutex already held and h confirmed as sb's owner.
func (a *Allocator) freeSmallLocked(h *heap, sb *superblock, payload uintptr) {
	class := sb.blockClass
	classIdx := classIndex(class)
	capacity := int(a.pageSize / class)

	blkIdx := int((payload - sb.base()) / class)
	curF := fullnessBin(int(sb.used), capacity)

	bitmapClear(sb.bitmap[:], blkIdx)
	sb.used--
	h.u -= class

	newF := fullnessBin(int(sb.used), capacity)
	if newF != curF {
		h.binRemove(classIdx, curF, sb)
		h.binInsertFront(classIdx, newF, sb)
	}

	if h.index == 0 {
		return
	}
	a.releaseIfTooEmpty(h)
}

// releaseIfTooEmpty is spec.md §4.3 step 6: if h has crossed the
// emptiness threshold, release exactly one superblock (the first
// found scanning f=0 then f=1, size classes 0..8) to the global heap.
func (a *Allocator) releaseIfTooEmpty(h *heap) {
	if !tooEmpty(h.a, h.u, a.pageSize) {
		return
	}

	global := a.heaps[0]
	for f := 0; f <= 1; f++ {
		for c := 0; c < NumSizeClasses; c++ {
			if sb := h.bins[c][f]; sb != nil {
				global.mu.Lock()
				moveSuperblock(sb, binCoord{h, c, f}, binCoord{global, c, f}, a.pageSize)
				global.mu.Unlock()
				return
			}
		}
	}
}
