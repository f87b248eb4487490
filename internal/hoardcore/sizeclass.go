package hoardcore

// NumSizeClasses and NumFullnessClasses are the dimensions of the 9x6
// bin matrix every heap carries (spec.md §3).
const (
	NumSizeClasses     = 9
	NumFullnessClasses = 6
)

// EmptyThresholdK is the "8 superblocks of absolute slack" term of the
// emptiness rule (spec.md §3, §4.3).
const EmptyThresholdK = 8

// sizeClasses is the fixed block-class ladder; index i is sz_id in
// spec.md's §4.1 routing description.
var sizeClasses = [NumSizeClasses]uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// classFor picks the smallest size class that fits size, mirroring
// a2alloc.c's mm_malloc loop:
//
//	for (sz_id=0; sz_id<9; sz_id++) {
//		if (sz <= block_sizes[sz_id]) { block_class = block_sizes[sz_id]; break; }
//	}
//
// ok is false when size exceeds the largest class; callers only reach
// this path after checking size against half a superblock, so in
// practice ok is always true for the default 9-class ladder.
func classFor(size uintptr) (idx int, class uintptr, ok bool) {
	for i, c := range sizeClasses {
		if size <= c {
			return i, c, true
		}
	}
	return 0, 0, false
}

// classIndex recovers sz_id from a block_class value already resident
// in a superblock header, mirroring a2alloc.c's mm_free loop:
//
//	for (sz_id=0;sz_id<9;sz_id++) {
//		if (super->block_class <= block_sizes[sz_id]) break;
//	}
//
// The superblock header does not itself carry sz_id (spec.md §3 lists
// only block_class), so both allocate and free recompute it the same
// way the original does.
func classIndex(class uintptr) int {
	for i, c := range sizeClasses {
		if class <= c {
			return i
		}
	}
	return NumSizeClasses - 1
}

// fullnessBin implements spec.md §4.2/§4.3's shared bracket formula:
//
//	f = 0                    when used == 0
//	f = floor(4*used/cap)+1  when used > 0
func fullnessBin(used, capacity int) int {
	if used <= 0 {
		return 0
	}
	f := used*4/capacity + 1
	if f > NumFullnessClasses-1 {
		f = NumFullnessClasses - 1
	}
	return f
}

func ceilDiv(n, d uintptr) uintptr {
	return (n + d - 1) / d
}
