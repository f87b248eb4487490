// Package hoard is a multi-processor, multi-threaded dynamic memory
// allocator in the Hoard style: segregated-fits, per-CPU arenas over a
// shared global parent heap, sized to bound both lock contention and
// per-CPU fragmentation.
//
// It exposes exactly the three operations of a replacement allocator —
// Init, Allocate, Free — plus a Stats snapshot for observability. The
// algorithms live in internal/hoardcore; this package is the
// process-wide singleton wiring spec.md §9 calls for ("expose as a
// process-wide instance initialized at start; re-entrant
// initialization must be idempotent").
package hoard

import (
	"net/http"
	"sync"
	"unsafe"

	"github.com/rbevacqua/parallel-malloc-data/internal/hoardcore"
	"github.com/rbevacqua/parallel-malloc-data/internal/metrics"
)

var (
	mu   sync.Mutex
	core *hoardcore.Allocator
)

// Option configures the process-wide allocator; see hoardcore.Option.
type Option = hoardcore.Option

// WithNumCPU overrides the heap table's CPU count.
var WithNumCPU = hoardcore.WithNumCPU

// WithLogger overrides the diagnostic logger.
var WithLogger = hoardcore.WithLogger

// Init performs the one-shot initialization of spec.md §6: it must be
// called before any Allocate or Free. A second call is a no-op — first
// touch wins, serialized by mu the way spec.md's design notes ask for
// a one-shot flag guarding concurrent first-touch.
func Init(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if core != nil {
		return nil
	}

	a, err := hoardcore.New(opts...)
	if err != nil {
		return err
	}
	core = a
	metrics.Publish("hoard.heaps", metrics.Func(heapsSnapshot))
	return nil
}

// MetricsHandler renders every heap's live counters as JSON, the same
// wire shape the standard library's expvar uses for /debug/vars. An
// embedder mounts it at whatever path fits its own HTTP server.
func MetricsHandler() http.Handler {
	return metrics.Handler()
}

// heapsSnapshot is published as a metrics.Func so each read reflects
// the heaps' current counters rather than a value captured once at
// Init time.
func heapsSnapshot() interface{} {
	mu.Lock()
	a := core
	mu.Unlock()
	if a == nil {
		return nil
	}

	type heapSnapshot struct {
		Index     int     `json:"index"`
		Allocated uintptr `json:"allocated"`
		Used      uintptr `json:"used"`
	}

	snapshots := make([]heapSnapshot, 0, a.NumCPU()+1)
	for i := 0; i <= a.NumCPU(); i++ {
		st, ok := a.HeapStats(i)
		if !ok {
			continue
		}
		snapshots = append(snapshots, heapSnapshot{Index: st.Index, Allocated: st.Allocated, Used: st.Used})
	}
	return snapshots
}

// Allocate returns an address aligned to the block class (at least
// 8-byte aligned), or nil if the raw region is exhausted.
func Allocate(size uintptr) unsafe.Pointer {
	a := currentAllocator()
	return a.Allocate(size)
}

// Free releases a prior Allocate return value. Behavior is undefined
// for unknown, already-freed, or interior pointers (spec.md §6).
func Free(ptr unsafe.Pointer) {
	a := currentAllocator()
	a.Free(ptr)
}

// Stats snapshots heap index's bookkeeping (0 = global, i+1 = CPU i).
// It reports ok = false if Init has not run or index is out of range.
func Stats(index int) (hoardcore.HeapStats, bool) {
	mu.Lock()
	a := core
	mu.Unlock()
	if a == nil {
		return hoardcore.HeapStats{}, false
	}
	return a.HeapStats(index)
}

func currentAllocator() *hoardcore.Allocator {
	mu.Lock()
	a := core
	mu.Unlock()
	if a == nil {
		panic("hoard: Init must be called before Allocate or Free")
	}
	return a
}
