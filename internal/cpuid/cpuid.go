//go:build linux

// Package cpuid is the thread-identification and CPU-affinity
// collaborator the allocator core consumes to pick a mutator's owning
// heap (spec §4.1, §6: getTID/getNumProcessors/sched affinity). It is
// out of the core's scope the same way memregion is: the core only
// needs a CPU index and a CPU count, not how they are obtained.
package cpuid

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NumCPU reports the number of CPUs the heap table should be sized
// for, mirroring a2alloc.c's getNumProcessors().
func NumCPU() int {
	return runtime.NumCPU()
}

// Current returns the index, in [0, NumCPU()), of a CPU the calling
// goroutine's OS thread is currently permitted to run on, mirroring
// a2alloc.c's get_cpu_id(): it reads the thread's affinity mask with
// sched_getaffinity and returns the lowest set bit.
//
// The result is advisory: without runtime.LockOSThread the calling
// goroutine may migrate between OS threads (and therefore CPUs)
// between this call and the allocation it guards, exactly as the
// original's affinity read is a snapshot, not a lease. Callers that
// need routing stability for a whole allocate/free pair should lock
// their goroutine to its OS thread first.
func Current() (int, error) {
	n := NumCPU()

	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, errors.Wrap(err, "cpuid: sched_getaffinity failed")
	}

	for i := 0; i < n; i++ {
		if set.IsSet(i) {
			return i, nil
		}
	}
	return 0, errors.New("cpuid: affinity mask reported no eligible CPU")
}
