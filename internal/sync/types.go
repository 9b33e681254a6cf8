package sync

import (
	"encoding/json"
	"time"
)

// FieldMap is the decoded form of a record's fields or a mutation's patch:
// field name -> raw JSON value. Values stay raw so the engine never has to
// understand clinical field types it does not merge.
type FieldMap map[string]json.RawMessage

// State is the coordinator's externally observable phase
type State string

const (
	StateIdle               State = "idle"
	StateProbing            State = "probing"
	StatePushing            State = "pushing"
	StateAwaitingResolution State = "awaiting_conflict_resolution"
	StatePulling            State = "pulling"
	StateFailed             State = "failed" // Authentication required; sync paused
)

// Connectivity classifies the current link to the central store
type Connectivity string

const (
	ConnectivityOffline   Connectivity = "offline"   // No route reachable; exchanges refused
	ConnectivityMetered   Connectivity = "metered"   // Reachable over a constrained link
	ConnectivityUnmetered Connectivity = "unmetered" // Reachable over an unconstrained link
)

// Classification is the Conflict Detector's verdict for a rejected push or a
// pulled remote record.
type Classification string

const (
	// ClassObsoleteLocal: the remote strictly dominates; the local write is
	// superseded and simply dropped.
	ClassObsoleteLocal Classification = "obsolete_local"
	// ClassTrueConflict: concurrent divergent writes; a ConflictRecord is due.
	ClassTrueConflict Classification = "true_conflict"
	// ClassNoOp: values identical; only the version vector advances.
	ClassNoOp Classification = "no_op"
)

// FieldDiff is one entry of a conflict's per-field diff. Differ is false only
// for byte-equal values, which never reach resolution.
type FieldDiff struct {
	Field  string          `json:"field"`
	Local  json.RawMessage `json:"local,omitempty"`
	Remote json.RawMessage `json:"remote,omitempty"`
	Differ bool            `json:"differ"`
}

// DetectionResult carries the detector's classification plus whatever the
// classification needs downstream.
type DetectionResult struct {
	Outcome Classification
	// Diffs lists the differing fields, sorted by field name. Only set for
	// ClassTrueConflict.
	Diffs []FieldDiff
	// MergedVector is the component-wise max of both inputs. Set for
	// ClassNoOp so the caller can commit the vector bump.
	MergedVector VersionVector
}

// StateUpdate is one element of the observable sync-state sequence
type StateUpdate struct {
	State        State     `json:"state"`
	PendingCount int64     `json:"pending_count"`
	LastError    string    `json:"last_error,omitempty"`
	At           time.Time `json:"at"`
}

// RecordSnapshot is the wire form of a record. Every payload item carries
// entity_id, version_vector, fields and tombstone.
type RecordSnapshot struct {
	EntityID      string        `json:"entity_id"`
	Fields        FieldMap      `json:"fields"`
	VersionVector VersionVector `json:"version_vector"`
	LastWriter    string        `json:"last_writer,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Tombstone     bool          `json:"tombstone"`
}

// WireMutation is the wire form of a queued mutation. Fields carries the
// field patch; VersionVector carries the base vector the patch was computed
// against.
type WireMutation struct {
	MutationID    string        `json:"mutation_id"`
	EntityID      string        `json:"entity_id"`
	Op            string        `json:"op"`
	Fields        FieldMap      `json:"fields,omitempty"`
	VersionVector VersionVector `json:"version_vector"`
	Origin        string        `json:"origin"`
	Tombstone     bool          `json:"tombstone"`
}

// PushRequest is the body of POST /sync/push
type PushRequest struct {
	Mutations []WireMutation `json:"mutations"`
}

// RejectedMutation pairs a refused mutation with the remote's current
// snapshot so the device can run conflict detection.
type RejectedMutation struct {
	MutationID string         `json:"mutation_id"`
	Current    RecordSnapshot `json:"current"`
}

// PushResponse is the body returned by POST /sync/push
type PushResponse struct {
	Accepted []string           `json:"accepted"`
	Rejected []RejectedMutation `json:"rejected"`
}

// PullResponse is the body returned by GET /sync/pull
type PullResponse struct {
	Records        []RecordSnapshot `json:"records"`
	NextCheckpoint string           `json:"next_checkpoint"`
}

// EncodeFields serializes a FieldMap for storage. Map keys marshal in sorted
// order, so equal maps produce byte-equal storage.
func EncodeFields(fields FieldMap) ([]byte, error) {
	if fields == nil {
		fields = FieldMap{}
	}
	return json.Marshal(fields)
}

// DecodeFields parses a stored or wire-level fields blob
func DecodeFields(data []byte) (FieldMap, error) {
	if len(data) == 0 || string(data) == "null" {
		return FieldMap{}, nil
	}
	var fm FieldMap
	if err := json.Unmarshal(data, &fm); err != nil {
		return nil, err
	}
	if fm == nil {
		fm = FieldMap{}
	}
	return fm, nil
}

// Copy returns an independent copy of the field map
func (fm FieldMap) Copy() FieldMap {
	out := make(FieldMap, len(fm))
	for k, v := range fm {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
