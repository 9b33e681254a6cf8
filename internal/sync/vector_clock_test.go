package sync

import (
	"testing"
)

func TestVersionVector_Compare(t *testing.T) {
	a := VersionVector{"device_a": 2, "device_b": 1}

	// Identical counters
	b := VersionVector{"device_a": 2, "device_b": 1}
	if rel := a.Compare(b); rel != VectorEqual {
		t.Errorf("Expected equal, got %s", rel)
	}

	// Strictly ahead on one origin
	b = VersionVector{"device_a": 1, "device_b": 1}
	if rel := a.Compare(b); rel != VectorAfter {
		t.Errorf("Expected after, got %s", rel)
	}
	if rel := b.Compare(a); rel != VectorBefore {
		t.Errorf("Expected before, got %s", rel)
	}

	// Each side ahead on a different origin
	b = VersionVector{"device_a": 1, "device_b": 5}
	if rel := a.Compare(b); rel != VectorConcurrent {
		t.Errorf("Expected concurrent, got %s", rel)
	}

	// Missing origins count as zero
	b = VersionVector{"device_a": 2}
	if rel := a.Compare(b); rel != VectorAfter {
		t.Errorf("Expected after when other side lacks an origin, got %s", rel)
	}

	// Empty vs non-empty
	empty := NewVersionVector()
	if rel := empty.Compare(a); rel != VectorBefore {
		t.Errorf("Expected empty vector before non-empty, got %s", rel)
	}
	if rel := empty.Compare(NewVersionVector()); rel != VectorEqual {
		t.Errorf("Expected two empty vectors equal, got %s", rel)
	}
}

func TestVersionVector_DominanceIsStrict(t *testing.T) {
	a := VersionVector{"device_a": 2}
	b := VersionVector{"device_a": 2}

	// Equal vectors dominate in neither direction
	if a.Dominates(b) {
		t.Error("Equal vectors must not dominate")
	}
	if a.DominatedBy(b) {
		t.Error("Equal vectors must not be dominated")
	}

	b.Increment("device_a")
	if !b.Dominates(a) {
		t.Error("Expected strictly greater vector to dominate")
	}
	if !a.DominatedBy(b) {
		t.Error("Expected smaller vector to be dominated")
	}
	if a.ConcurrentWith(b) {
		t.Error("Ordered vectors must not be concurrent")
	}

	// Divergence on different origins is concurrent, not dominance
	a.Increment("device_b")
	if a.Dominates(b) || a.DominatedBy(b) {
		t.Error("Concurrent vectors must not dominate either way")
	}
	if !a.ConcurrentWith(b) {
		t.Error("Expected concurrent vectors")
	}
}

func TestVersionVector_MergeAndCopy(t *testing.T) {
	a := VersionVector{"device_a": 3, "device_b": 1}
	b := VersionVector{"device_b": 4, "device_c": 2}

	merged := a.Copy()
	merged.Merge(b)

	if merged.Get("device_a") != 3 || merged.Get("device_b") != 4 || merged.Get("device_c") != 2 {
		t.Errorf("Expected component-wise max, got %s", merged)
	}

	// The merged result must dominate both inputs once bumped
	merged.Increment("device_a")
	if !merged.Dominates(a) || !merged.Dominates(b) {
		t.Error("Merged and incremented vector should dominate both inputs")
	}

	// Copy must be independent of the original
	if a.Get("device_c") != 0 {
		t.Error("Merge into a copy must not touch the original")
	}
	c := a.Copy()
	c.Increment("device_a")
	if a.Get("device_a") != 3 {
		t.Error("Incrementing a copy must not touch the original")
	}
}

func TestVersionVector_JSONRoundTrip(t *testing.T) {
	vv := VersionVector{"device_a": 7, "central": 12}

	parsed, err := ParseVersionVector(vv.JSON())
	if err != nil {
		t.Fatalf("Failed to parse encoded vector: %v", err)
	}
	if parsed.Compare(vv) != VectorEqual {
		t.Errorf("Round trip changed the vector: %s -> %s", vv, parsed)
	}

	// Empty storage forms all decode to an empty vector
	for _, raw := range []string{"", "null", "{}"} {
		parsed, err := ParseVersionVector([]byte(raw))
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", raw, err)
		}
		if !parsed.IsEmpty() {
			t.Errorf("Expected empty vector from %q, got %s", raw, parsed)
		}
	}

	// An empty vector must encode as an object, not null
	if got := string(NewVersionVector().JSON()); got != "{}" {
		t.Errorf("Expected {} for empty vector, got %s", got)
	}

	if _, err := ParseVersionVector([]byte("not json")); err == nil {
		t.Error("Expected error for malformed vector")
	}
}

func TestVersionVector_Validate(t *testing.T) {
	good := VersionVector{"device_a": 0, "device_b": 3}
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid vector, got %v", err)
	}

	if err := (VersionVector{"": 1}).Validate(); err == nil {
		t.Error("Expected error for empty origin")
	}
	if err := (VersionVector{"device_a": -1}).Validate(); err == nil {
		t.Error("Expected error for negative counter")
	}
}
