package hoardcore

import (
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/rbevacqua/parallel-malloc-data/internal/cpuid"
	"github.com/rbevacqua/parallel-malloc-data/internal/memregion"
)

// regionProvider is the raw-region provider the core consumes
// (spec.md §1's "out of scope" collaborator): mem_init/mem_sbrk/
// mem_pagesize reduced to the two calls the core actually needs.
// *memregion.Region satisfies it; tests substitute a fake with a
// small synthetic page size so property tests don't need gigabytes of
// real mmap'd memory to exercise many superblocks.
type regionProvider interface {
	PageSize() uintptr
	Sbrk(n uintptr) (uintptr, error)
}

// CPUSource is the thread-identification/affinity collaborator
// (spec.md §6's getTID/sched-affinity/getNumProcessors). The default
// is backed by internal/cpuid; tests substitute a fixed CPU id to pin
// simulated mutators to specific heaps deterministically.
type CPUSource interface {
	Current() (int, error)
}

type systemCPUSource struct{}

func (systemCPUSource) Current() (int, error) { return cpuid.Current() }

// Option configures an Allocator at construction time. The zero value
// of every option field falls back to the real OS-backed collaborator,
// so production callers need no options at all.
type Option func(*options)

type options struct {
	region regionProvider
	numCPU int
	cpu    CPUSource
	logger *log.Logger
}

// WithRegion overrides the raw-region provider. Exposed for embedders
// that manage their own backing arena (and for this package's own
// tests, which use an in-memory fake region with a small page size).
func WithRegion(r regionProvider) Option {
	return func(o *options) { o.region = r }
}

// WithNumCPU overrides the heap table's CPU count instead of querying
// internal/cpuid.NumCPU.
func WithNumCPU(n int) Option {
	return func(o *options) { o.numCPU = n }
}

// WithCPUSource overrides the affinity-query collaborator.
func WithCPUSource(c CPUSource) Option {
	return func(o *options) { o.cpu = c }
}

// WithLogger overrides the diagnostic logger (spec.md §7's
// AffinityQueryFailure/OutOfMemory reporting); defaults to
// log.Default().
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Allocator is the heap table plus its collaborators: the bootstrap
// component of spec.md §2, and the receiver for the allocate/
// deallocate entry points of §4.
type Allocator struct {
	region   regionProvider
	systemMu sync.Mutex // guards raw-region growth; the "system lock" of spec.md §5

	numCPU   int
	pageSize uintptr // == SUPERBLOCK_SIZE, parameterized from the region's page size

	heaps []*heap // heaps[0] = global, heaps[i+1] = CPU i

	cpu CPUSource
	log *log.Logger
}

// New performs spec.md §6's init(): initialize the raw-region
// provider, query the CPU count, and build a heap table of N+1 heaps
// with cleared mutexes, counters, and bin matrices. Unlike the
// original C implementation, the heap table and heap structs
// themselves are ordinary Go allocations (new/make) rather than pages
// carved from the raw region — a2alloc.c only places them there
// because C has no general-purpose allocator available yet when
// mm_init runs; Go always does, so there is nothing to bootstrap
// around. See DESIGN.md for this decision.
func New(opts ...Option) (*Allocator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	region := o.region
	if region == nil {
		r, err := memregion.New(memregion.DefaultCapacity)
		if err != nil {
			return nil, errors.Wrap(err, "hoardcore: failed to initialize raw-region provider")
		}
		region = r
	}

	numCPU := o.numCPU
	if numCPU <= 0 {
		numCPU = cpuid.NumCPU()
	}
	if numCPU <= 0 {
		numCPU = 1
	}

	cpu := o.cpu
	if cpu == nil {
		cpu = systemCPUSource{}
	}

	logger := o.logger
	if logger == nil {
		logger = log.Default()
	}

	a := &Allocator{
		region:   region,
		numCPU:   numCPU,
		pageSize: region.PageSize(),
		cpu:      cpu,
		log:      logger,
	}
	a.heaps = make([]*heap, numCPU+1)
	for i := range a.heaps {
		a.heaps[i] = &heap{index: i}
	}
	return a, nil
}

// NumCPU reports the number of per-CPU heaps beneath the global heap.
func (a *Allocator) NumCPU() int {
	return a.numCPU
}

// SuperblockSize reports the page size this allocator's superblocks
// are sized to.
func (a *Allocator) SuperblockSize() uintptr {
	return a.pageSize
}
