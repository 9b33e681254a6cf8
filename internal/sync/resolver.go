package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medvault-app/medsyncgo/internal/models"
)

// MergeKind names an automatic merge rule from the allowlist
type MergeKind string

const (
	// MergeSetUnion merges two array values as their union. Local element
	// order is kept; unseen remote elements append in remote order.
	MergeSetUnion MergeKind = "set_union"
	// MergeAdditive keeps both values, concatenated with provenance tags
	// naming each side's writer.
	MergeAdditive MergeKind = "additive"
)

// Resolver owns conflict resolution: the automatic allowlist path and the
// materialization of explicit decisions. It never touches storage; the
// coordinator commits what it builds.
type Resolver struct {
	origin    string
	allowlist map[string]MergeKind
}

// NewResolver creates a resolver for this device's origin
func NewResolver(origin string, allowlist map[string]MergeKind) *Resolver {
	if allowlist == nil {
		allowlist = map[string]MergeKind{}
	}
	return &Resolver{origin: origin, allowlist: allowlist}
}

// TryAutoMerge attempts the automatic path. It applies only when every
// differing field has an allowlisted merge rule; a disagreement on deletion
// is never auto-merged. Returns the resolved snapshot and true on success.
func (r *Resolver) TryAutoMerge(local, remote RecordSnapshot, diffs []FieldDiff) (RecordSnapshot, bool) {
	for _, d := range diffs {
		if d.Field == TombstoneField {
			return RecordSnapshot{}, false
		}
		if _, ok := r.allowlist[d.Field]; !ok {
			return RecordSnapshot{}, false
		}
	}

	fields := local.Fields.Copy()
	for _, d := range diffs {
		merged, ok := r.mergeField(r.allowlist[d.Field], local.LastWriter, d.Local, remote.LastWriter, d.Remote)
		if !ok {
			// Value shape does not fit the rule; fall back to explicit
			return RecordSnapshot{}, false
		}
		fields[d.Field] = merged
	}

	return RecordSnapshot{
		EntityID:      local.EntityID,
		Fields:        fields,
		VersionVector: r.resolutionVector(local.VersionVector, remote.VersionVector),
		LastWriter:    r.origin,
		UpdatedAt:     time.Now().UTC(),
		Tombstone:     local.Tombstone,
	}, true
}

// BuildResolution materializes an explicit decision on top of the record's
// current state. Only the differing fields change: each decided value lands on
// current, so edits accepted on non-conflicting fields after detection carry
// through the resolution. For ChoiceMerged, mergedFields must supply a value
// for every differing field (the reserved tombstone key decides deletion); a
// decided JSON null drops the field.
func (r *Resolver) BuildResolution(current, local, remote RecordSnapshot, diffs []FieldDiff, choice models.ResolutionChoice, mergedFields FieldMap) (RecordSnapshot, error) {
	resolved := RecordSnapshot{
		EntityID:      local.EntityID,
		VersionVector: r.resolutionVector(current.VersionVector, local.VersionVector, remote.VersionVector),
		LastWriter:    r.origin,
		UpdatedAt:     time.Now().UTC(),
	}

	fields := current.Fields.Copy()

	switch choice {
	case models.ChoiceKeepLocal:
		resolved.Tombstone = local.Tombstone
		for _, d := range diffs {
			applyDecision(fields, d.Field, d.Local)
		}

	case models.ChoiceKeepRemote:
		resolved.Tombstone = remote.Tombstone
		for _, d := range diffs {
			applyDecision(fields, d.Field, d.Remote)
		}

	case models.ChoiceMerged:
		resolved.Tombstone = current.Tombstone
		for _, d := range diffs {
			val, ok := mergedFields[d.Field]
			if !ok {
				return RecordSnapshot{}, ErrIncompleteMerge
			}
			if d.Field == TombstoneField {
				var ts bool
				if err := json.Unmarshal(val, &ts); err != nil {
					return RecordSnapshot{}, fmt.Errorf("merged %s must be a boolean: %w", TombstoneField, err)
				}
				resolved.Tombstone = ts
				continue
			}
			applyDecision(fields, d.Field, val)
		}
		for f := range mergedFields {
			if !diffContains(diffs, f) {
				return RecordSnapshot{}, fmt.Errorf("merged value for non-conflicting field %q", f)
			}
		}

	default:
		return RecordSnapshot{}, fmt.Errorf("unsupported resolution choice %q", choice)
	}

	resolved.Fields = fields
	return resolved, nil
}

// applyDecision lands one decided field value. An absent or null value means
// the field does not exist on the winning side and is dropped. The tombstone
// key never lands in fields; BuildResolution settles it on the snapshot flag.
func applyDecision(fields FieldMap, field string, val json.RawMessage) {
	if field == TombstoneField {
		return
	}
	if len(val) == 0 || string(val) == "null" {
		delete(fields, field)
		return
	}
	fields[field] = val
}

// PropagationPatch extracts the mutation patch that carries a resolution to
// the remote: the resolved values of every differing field.
func PropagationPatch(resolved RecordSnapshot, diffs []FieldDiff) FieldMap {
	patch := make(FieldMap, len(diffs))
	for _, d := range diffs {
		if d.Field == TombstoneField {
			continue
		}
		if v, ok := resolved.Fields[d.Field]; ok {
			patch[d.Field] = v
		} else {
			// Resolved away; an explicit null deletes the field remotely
			patch[d.Field] = json.RawMessage("null")
		}
	}
	return patch
}

// resolutionVector builds the dominating vector every resolution must carry:
// component-wise max of all inputs, plus one increment of the local origin.
func (r *Resolver) resolutionVector(vectors ...VersionVector) VersionVector {
	vv := NewVersionVector()
	for _, in := range vectors {
		vv.Merge(in)
	}
	vv.Increment(r.origin)
	return vv
}

func (r *Resolver) mergeField(kind MergeKind, localWriter string, local json.RawMessage, remoteWriter string, remote json.RawMessage) (json.RawMessage, bool) {
	switch kind {
	case MergeSetUnion:
		return mergeSetUnion(local, remote)
	case MergeAdditive:
		return mergeAdditive(localWriter, local, remoteWriter, remote), true
	default:
		return nil, false
	}
}

// mergeSetUnion unions two JSON arrays. A missing side counts as empty; any
// non-array value disqualifies the automatic path.
func mergeSetUnion(local, remote json.RawMessage) (json.RawMessage, bool) {
	localElems, ok := decodeArray(local)
	if !ok {
		return nil, false
	}
	remoteElems, ok := decodeArray(remote)
	if !ok {
		return nil, false
	}

	seen := make(map[string]bool, len(localElems))
	union := make([]json.RawMessage, 0, len(localElems)+len(remoteElems))
	for _, el := range localElems {
		key := canonicalKey(el)
		if !seen[key] {
			seen[key] = true
			union = append(union, el)
		}
	}
	for _, el := range remoteElems {
		key := canonicalKey(el)
		if !seen[key] {
			seen[key] = true
			union = append(union, el)
		}
	}

	out, err := json.Marshal(union)
	if err != nil {
		return nil, false
	}
	return out, true
}

// mergeAdditive keeps both values. String values concatenate line-wise with
// provenance tags; array values concatenate; anything else is tagged on its
// JSON text.
func mergeAdditive(localWriter string, local json.RawMessage, remoteWriter string, remote json.RawMessage) json.RawMessage {
	if len(local) == 0 {
		return remote
	}
	if len(remote) == 0 {
		return local
	}

	var ls, rs string
	if json.Unmarshal(local, &ls) == nil && json.Unmarshal(remote, &rs) == nil {
		combined := fmt.Sprintf("[%s] %s\n[%s] %s", tagOrigin(localWriter), ls, tagOrigin(remoteWriter), rs)
		return mustJSON(combined)
	}

	if le, lok := decodeArray(local); lok {
		if re, rok := decodeArray(remote); rok {
			return mustJSON(append(le, re...))
		}
	}

	combined := fmt.Sprintf("[%s] %s\n[%s] %s",
		tagOrigin(localWriter), strings.TrimSpace(string(local)),
		tagOrigin(remoteWriter), strings.TrimSpace(string(remote)))
	return mustJSON(combined)
}

func decodeArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	return elems, true
}

func canonicalKey(raw json.RawMessage) string {
	c, err := canonicalJSON(raw)
	if err != nil {
		return string(raw)
	}
	return string(c)
}

func tagOrigin(writer string) string {
	if writer == "" {
		return "unknown"
	}
	return writer
}

func diffContains(diffs []FieldDiff, field string) bool {
	for _, d := range diffs {
		if d.Field == field {
			return true
		}
	}
	return false
}
