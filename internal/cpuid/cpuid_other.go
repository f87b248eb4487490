//go:build !linux

package cpuid

import (
	"runtime"

	"github.com/pkg/errors"
)

// NumCPU reports the number of CPUs the heap table should be sized
// for, mirroring a2alloc.c's getNumProcessors().
func NumCPU() int {
	return runtime.NumCPU()
}

// Current has no sched_getaffinity-equivalent outside Linux in
// golang.org/x/sys/unix, so it always reports AffinityQueryFailure
// (spec §7); callers fall back to the global heap, the spec's
// documented "reasonable policy" for an unavailable CPU query.
func Current() (int, error) {
	return 0, errors.New("cpuid: affinity query unsupported on this GOOS")
}
