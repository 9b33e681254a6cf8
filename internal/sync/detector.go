package sync

import (
	"bytes"
	"encoding/json"
	"sort"
)

// TombstoneField is the reserved diff key used when two sides disagree on
// deletion. Record fields must not use this name.
const TombstoneField = "tombstone"

// Classify compares the local current record against a remote snapshot and
// decides what the divergence is. The same classification serves rejected
// pushes and pulled records.
//
// The comparison runs against the local CURRENT vector, not the mutation's
// base: a remote that dominates the base but not the current local write is
// concurrent with it, and a concurrent divergent write must surface as a
// conflict rather than be discarded.
func Classify(local, remote RecordSnapshot) DetectionResult {
	switch local.VersionVector.Compare(remote.VersionVector) {
	case VectorBefore:
		// Remote strictly dominates: local state is superseded
		return DetectionResult{Outcome: ClassObsoleteLocal}
	case VectorEqual, VectorAfter:
		// Nothing to adopt; an in-flight push will carry local forward
		return DetectionResult{Outcome: ClassNoOp, MergedVector: local.VersionVector.Copy()}
	}

	// Concurrent vectors: only byte-level divergence makes a true conflict
	diffs := DiffSnapshots(local, remote)
	merged := local.VersionVector.Copy()
	merged.Merge(remote.VersionVector)
	if len(diffs) == 0 {
		return DetectionResult{Outcome: ClassNoOp, MergedVector: merged}
	}
	return DetectionResult{Outcome: ClassTrueConflict, Diffs: diffs, MergedVector: merged}
}

// DiffSnapshots builds the per-field diff between two snapshots. A field is
// listed only when the two values are not byte-equal under canonical JSON
// encoding; identical fields never reach resolution. Entries are sorted by
// field name so detection is order-independent. A disagreement on deletion is
// reported under the reserved TombstoneField key.
func DiffSnapshots(local, remote RecordSnapshot) []FieldDiff {
	names := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	for f := range local.Fields {
		names[f] = true
	}
	for f := range remote.Fields {
		names[f] = true
	}

	sorted := make([]string, 0, len(names))
	for f := range names {
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)

	var diffs []FieldDiff
	for _, f := range sorted {
		lv, lok := local.Fields[f]
		rv, rok := remote.Fields[f]
		if lok && rok && jsonEqual(lv, rv) {
			continue
		}
		if !lok && !rok {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: f, Local: lv, Remote: rv, Differ: true})
	}

	if local.Tombstone != remote.Tombstone {
		diffs = append(diffs, FieldDiff{
			Field:  TombstoneField,
			Local:  mustJSON(local.Tombstone),
			Remote: mustJSON(remote.Tombstone),
			Differ: true,
		})
	}
	return diffs
}

// DifferingFields lists the field names of a diff set
func DifferingFields(diffs []FieldDiff) []string {
	out := make([]string, 0, len(diffs))
	for _, d := range diffs {
		if d.Differ {
			out = append(out, d.Field)
		}
	}
	return out
}

// jsonEqual compares two raw values after canonical re-encoding, so
// formatting and key-order differences between origins do not count as
// divergence.
func jsonEqual(a, b json.RawMessage) bool {
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
