package metrics

import (
	"testing"
	"time"
)

// TestRegistryGather tests that all metrics register and gather cleanly
func TestRegistryGather(t *testing.T) {
	r := NewRegistry()

	r.LockAcquisitionsTotal.WithLabelValues("shared").Inc()
	r.HashDoublingsTotal.WithLabelValues("rhash").Inc()
	r.DispositionsTotal.WithLabelValues("i").Add(3)
	r.SortDurationSeconds.WithLabelValues("chunked").Observe(0.25)
	r.LexBytesWritten.Add(128)

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("Expected 5 metric families, got %d", len(families))
	}
}

// TestPackageHelpers tests the helpers the storage packages call
func TestPackageHelpers(t *testing.T) {
	LockAcquired("exclusive")
	HashDoubled("mhash")
	DispositionStored('Z')
	SortObserved("full", 10*time.Millisecond)
	LexWritten(64)

	families, err := Default().Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected default registry to hold metrics")
	}
}
