package state

import (
	"fmt"
	"testing"
)

// BenchmarkMemoryTracker_Seen benchmarks the check-and-mark used by the bridge
func BenchmarkMemoryTracker_Seen(b *testing.B) {
	tracker := NewMemoryTracker()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Seen(fmt.Sprintf("hash-%d", i), "mbox:bench.mbox")
	}
}

// BenchmarkMemoryTracker_AlreadyProcessed benchmarks lookup performance
func BenchmarkMemoryTracker_AlreadyProcessed(b *testing.B) {
	tracker := NewMemoryTracker()

	// Pre-populate with 1000 entries
	for i := 0; i < 1000; i++ {
		tracker.Seen(fmt.Sprintf("hash-%d", i), fmt.Sprintf("mbox:bench.mbox#%d", i+1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.AlreadyProcessed(fmt.Sprintf("hash-%d", i%1000))
	}
}
