package sync

import (
	"encoding/json"
	"fmt"
)

// VersionVector tracks causality between record versions written by different
// origins (devices or the central store).
// Map format: {origin_id: counter}
type VersionVector map[string]int64

// VectorRelation represents the relationship between two version vectors
type VectorRelation int

const (
	VectorBefore     VectorRelation = iota // Local happened before remote (remote dominates)
	VectorAfter                            // Local happened after remote (local dominates)
	VectorEqual                            // Identical counters
	VectorConcurrent                       // Concurrent modifications (conflict)
)

// String returns a human-readable relation name
func (r VectorRelation) String() string {
	switch r {
	case VectorBefore:
		return "before"
	case VectorAfter:
		return "after"
	case VectorEqual:
		return "equal"
	default:
		return "concurrent"
	}
}

// NewVersionVector creates a new empty version vector
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// ParseVersionVector decodes a version vector from its JSON storage form.
// Empty or null input yields an empty vector.
func ParseVersionVector(data []byte) (VersionVector, error) {
	if len(data) == 0 || string(data) == "null" {
		return NewVersionVector(), nil
	}
	var vv VersionVector
	if err := json.Unmarshal(data, &vv); err != nil {
		return nil, fmt.Errorf("invalid version vector: %w", err)
	}
	if vv == nil {
		vv = NewVersionVector()
	}
	return vv, nil
}

// JSON encodes the vector for storage. An empty vector encodes as {}.
func (vv VersionVector) JSON() []byte {
	if len(vv) == 0 {
		return []byte("{}")
	}
	data, _ := json.Marshal(map[string]int64(vv))
	return data
}

// Increment increases the counter for a specific origin
func (vv VersionVector) Increment(origin string) {
	vv[origin]++
}

// Get returns the counter for a specific origin
func (vv VersionVector) Get(origin string) int64 {
	return vv[origin]
}

// Set sets the counter for a specific origin
func (vv VersionVector) Set(origin string, counter int64) {
	vv[origin] = counter
}

// Merge folds another vector in, taking the maximum per origin
func (vv VersionVector) Merge(other VersionVector) {
	for origin, counter := range other {
		if vv[origin] < counter {
			vv[origin] = counter
		}
	}
}

// Copy creates a deep copy of the version vector
func (vv VersionVector) Copy() VersionVector {
	result := make(VersionVector, len(vv))
	for k, v := range vv {
		result[k] = v
	}
	return result
}

// Compare compares two version vectors and returns their relationship.
// Missing origins count as zero on either side.
func (vv VersionVector) Compare(other VersionVector) VectorRelation {
	lessOrEqual := true
	greaterOrEqual := true

	// Walk every origin present on either side
	allOrigins := make(map[string]bool)
	for k := range vv {
		allOrigins[k] = true
	}
	for k := range other {
		allOrigins[k] = true
	}

	for origin := range allOrigins {
		v1 := vv[origin]
		v2 := other[origin]

		if v1 > v2 {
			lessOrEqual = false
		}
		if v1 < v2 {
			greaterOrEqual = false
		}
	}

	if lessOrEqual && greaterOrEqual {
		return VectorEqual
	} else if lessOrEqual {
		return VectorBefore
	} else if greaterOrEqual {
		return VectorAfter
	}
	return VectorConcurrent
}

// Dominates returns true if every counter here is >= the other's and at
// least one is strictly greater.
func (vv VersionVector) Dominates(other VersionVector) bool {
	return vv.Compare(other) == VectorAfter
}

// DominatedBy returns true if the other vector strictly dominates this one
func (vv VersionVector) DominatedBy(other VersionVector) bool {
	return vv.Compare(other) == VectorBefore
}

// ConcurrentWith returns true if neither vector dominates the other
func (vv VersionVector) ConcurrentWith(other VersionVector) bool {
	return vv.Compare(other) == VectorConcurrent
}

// String returns a human-readable representation
func (vv VersionVector) String() string {
	data, _ := json.Marshal(vv)
	return string(data)
}

// IsEmpty returns true if the vector has no entries
func (vv VersionVector) IsEmpty() bool {
	return len(vv) == 0
}

// MarshalJSON implements json.Marshaler
func (vv VersionVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64(vv))
}

// UnmarshalJSON implements json.Unmarshaler
func (vv *VersionVector) UnmarshalJSON(data []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*vv = VersionVector(m)
	return nil
}

// Validate checks counter sanity before accepting a vector from the wire
func (vv VersionVector) Validate() error {
	for origin, counter := range vv {
		if origin == "" {
			return fmt.Errorf("empty origin ID in version vector")
		}
		if counter < 0 {
			return fmt.Errorf("negative counter %d for origin %s", counter, origin)
		}
	}
	return nil
}
