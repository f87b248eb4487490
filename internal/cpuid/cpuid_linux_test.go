//go:build linux

package cpuid

import "testing"

func TestNumCPUPositive(t *testing.T) {
	if NumCPU() <= 0 {
		t.Fatalf("NumCPU() = %d, want > 0", NumCPU())
	}
}

func TestCurrentWithinRange(t *testing.T) {
	cpu, err := Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cpu < 0 || cpu >= NumCPU() {
		t.Fatalf("Current() = %d, want in [0, %d)", cpu, NumCPU())
	}
}
