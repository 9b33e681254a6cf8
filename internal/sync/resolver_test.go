package sync

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/medvault-app/medsyncgo/internal/models"
)

func TestTryAutoMerge_SetUnion(t *testing.T) {
	// Two devices extend the allergy list while offline
	local := snapshot("patient-1-allergies", VersionVector{"device_a": 2}, map[string]string{
		"allergy_list": `["penicillin"]`,
	})
	local.LastWriter = "device_a"
	remote := snapshot("patient-1-allergies", VersionVector{"device_b": 1}, map[string]string{
		"allergy_list": `["sulfa"]`,
	})
	remote.LastWriter = "device_b"

	diffs := DiffSnapshots(local, remote)
	if len(diffs) != 1 {
		t.Fatalf("Expected 1 diff, got %d", len(diffs))
	}

	r := NewResolver("device_a", map[string]MergeKind{"allergy_list": MergeSetUnion})
	resolved, ok := r.TryAutoMerge(local, remote, diffs)
	if !ok {
		t.Fatal("Expected allowlisted set_union field to auto-merge")
	}

	// Local element order first, then unseen remote elements
	if got := string(resolved.Fields["allergy_list"]); got != `["penicillin","sulfa"]` {
		t.Errorf("Expected union of both lists, got %s", got)
	}
	if resolved.LastWriter != "device_a" {
		t.Errorf("Expected resolving origin as last writer, got %s", resolved.LastWriter)
	}

	// The resolution vector must dominate both inputs so it wins everywhere
	if !resolved.VersionVector.Dominates(local.VersionVector) {
		t.Error("Resolution vector should dominate the local input")
	}
	if !resolved.VersionVector.Dominates(remote.VersionVector) {
		t.Error("Resolution vector should dominate the remote input")
	}
	if resolved.VersionVector.Get("device_a") != 3 || resolved.VersionVector.Get("device_b") != 1 {
		t.Errorf("Expected max of both plus one local increment, got %s", resolved.VersionVector)
	}
}

func TestTryAutoMerge_SetUnionDeduplicates(t *testing.T) {
	local := snapshot("patient-1-allergies", VersionVector{"device_a": 1}, map[string]string{
		"allergy_list": `["penicillin","latex"]`,
	})
	remote := snapshot("patient-1-allergies", VersionVector{"device_b": 1}, map[string]string{
		"allergy_list": `["latex","sulfa"]`,
	})

	r := NewResolver("device_a", map[string]MergeKind{"allergy_list": MergeSetUnion})
	resolved, ok := r.TryAutoMerge(local, remote, DiffSnapshots(local, remote))
	if !ok {
		t.Fatal("Expected auto-merge to apply")
	}
	if got := string(resolved.Fields["allergy_list"]); got != `["penicillin","latex","sulfa"]` {
		t.Errorf("Expected deduplicated union keeping local order, got %s", got)
	}
}

func TestTryAutoMerge_Additive(t *testing.T) {
	local := snapshot("patient-1-notes", VersionVector{"device_a": 1}, map[string]string{
		"care_notes": `"BP elevated at morning check"`,
	})
	local.LastWriter = "device_a"
	remote := snapshot("patient-1-notes", VersionVector{"device_b": 1}, map[string]string{
		"care_notes": `"Patient reports dizziness"`,
	})
	remote.LastWriter = "device_b"

	r := NewResolver("device_a", map[string]MergeKind{"care_notes": MergeAdditive})
	resolved, ok := r.TryAutoMerge(local, remote, DiffSnapshots(local, remote))
	if !ok {
		t.Fatal("Expected additive field to auto-merge")
	}

	var notes string
	if err := json.Unmarshal(resolved.Fields["care_notes"], &notes); err != nil {
		t.Fatalf("Failed to decode merged notes: %v", err)
	}
	want := "[device_a] BP elevated at morning check\n[device_b] Patient reports dizziness"
	if notes != want {
		t.Errorf("Expected both notes with provenance tags:\nwant %q\ngot  %q", want, notes)
	}
}

func TestTryAutoMerge_Refusals(t *testing.T) {
	r := NewResolver("device_a", map[string]MergeKind{"allergy_list": MergeSetUnion})

	// A field without an allowlist rule forces explicit resolution
	local := snapshot("med-1", VersionVector{"device_a": 1}, map[string]string{"dosage_mg": "20"})
	remote := snapshot("med-1", VersionVector{"device_b": 1}, map[string]string{"dosage_mg": "40"})
	if _, ok := r.TryAutoMerge(local, remote, DiffSnapshots(local, remote)); ok {
		t.Error("Non-allowlisted field must not auto-merge")
	}

	// Deletion disagreements are never auto-merged, even with rules present
	local = snapshot("patient-1-allergies", VersionVector{"device_a": 1}, map[string]string{"allergy_list": `["sulfa"]`})
	remote = snapshot("patient-1-allergies", VersionVector{"device_b": 1}, map[string]string{"allergy_list": `["sulfa"]`})
	remote.Tombstone = true
	if _, ok := r.TryAutoMerge(local, remote, DiffSnapshots(local, remote)); ok {
		t.Error("Delete vs edit must not auto-merge")
	}

	// A set_union rule only applies to array values
	local = snapshot("patient-1-allergies", VersionVector{"device_a": 1}, map[string]string{"allergy_list": `"penicillin"`})
	remote = snapshot("patient-1-allergies", VersionVector{"device_b": 1}, map[string]string{"allergy_list": `["sulfa"]`})
	if _, ok := r.TryAutoMerge(local, remote, DiffSnapshots(local, remote)); ok {
		t.Error("Non-array value must disqualify set_union")
	}
}

func TestBuildResolution_KeepSides(t *testing.T) {
	local := snapshot("med-1", VersionVector{"device_a": 2}, map[string]string{"dosage_mg": "20"})
	remote := snapshot("med-1", VersionVector{"device_b": 1}, map[string]string{"dosage_mg": "40"})
	diffs := DiffSnapshots(local, remote)

	r := NewResolver("device_a", nil)

	resolved, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceKeepLocal, nil)
	if err != nil {
		t.Fatalf("Failed to build keep_local resolution: %v", err)
	}
	if got := string(resolved.Fields["dosage_mg"]); got != "20" {
		t.Errorf("keep_local should carry the local value, got %s", got)
	}
	if !resolved.VersionVector.Dominates(local.VersionVector) || !resolved.VersionVector.Dominates(remote.VersionVector) {
		t.Error("keep_local resolution vector must dominate both inputs")
	}

	resolved, err = r.BuildResolution(local, local, remote, diffs, models.ChoiceKeepRemote, nil)
	if err != nil {
		t.Fatalf("Failed to build keep_remote resolution: %v", err)
	}
	if got := string(resolved.Fields["dosage_mg"]); got != "40" {
		t.Errorf("keep_remote should carry the remote value, got %s", got)
	}
}

func TestBuildResolution_LandsOnCurrentState(t *testing.T) {
	// The snapshots froze at detection; the record moved on since. Edits to
	// non-conflicting fields between detection and decision must survive.
	local := snapshot("med-1", VersionVector{"device_a": 2}, map[string]string{
		"dosage_mg": "20",
		"name":      `"Metformin"`,
	})
	remote := snapshot("med-1", VersionVector{"device_b": 1}, map[string]string{
		"dosage_mg": "40",
		"name":      `"Metformin"`,
	})
	diffs := DiffSnapshots(local, remote)

	current := snapshot("med-1", VersionVector{"device_a": 3}, map[string]string{
		"dosage_mg": "20",
		"name":      `"Metformin XR"`,
	})

	r := NewResolver("device_a", nil)
	resolved, err := r.BuildResolution(current, local, remote, diffs, models.ChoiceKeepRemote, nil)
	if err != nil {
		t.Fatalf("Failed to build keep_remote resolution: %v", err)
	}
	if got := string(resolved.Fields["dosage_mg"]); got != "40" {
		t.Errorf("keep_remote should land the remote value, got %s", got)
	}
	if got := string(resolved.Fields["name"]); got != `"Metformin XR"` {
		t.Errorf("Expected the later local edit kept, got %s", got)
	}
	// The vector must dominate the moved-on record too, not just the frozen
	// snapshots, or the resolution would classify as concurrent with it
	if !resolved.VersionVector.Dominates(current.VersionVector) {
		t.Error("Resolution vector must dominate the current record")
	}
	if resolved.VersionVector.Get("device_a") != 4 || resolved.VersionVector.Get("device_b") != 1 {
		t.Errorf("Expected max over all inputs plus one increment, got %s", resolved.VersionVector)
	}
}

func TestBuildResolution_Merged(t *testing.T) {
	local := snapshot("med-1", VersionVector{"device_a": 2}, map[string]string{
		"dosage_mg": "20",
		"name":      `"Metformin"`,
	})
	remote := snapshot("med-1", VersionVector{"device_b": 1}, map[string]string{
		"dosage_mg": "40",
		"name":      `"Metformin"`,
	})
	diffs := DiffSnapshots(local, remote)
	r := NewResolver("device_a", nil)

	// A complete merge supplies a value for every differing field
	resolved, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		"dosage_mg": json.RawMessage("30"),
	})
	if err != nil {
		t.Fatalf("Failed to build merged resolution: %v", err)
	}
	if got := string(resolved.Fields["dosage_mg"]); got != "30" {
		t.Errorf("Expected merged value 30, got %s", got)
	}
	// Non-conflicting fields ride along untouched
	if got := string(resolved.Fields["name"]); got != `"Metformin"` {
		t.Errorf("Expected name preserved, got %s", got)
	}

	// A merge that skips a differing field is incomplete
	if _, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{}); !errors.Is(err, ErrIncompleteMerge) {
		t.Errorf("Expected ErrIncompleteMerge, got %v", err)
	}

	// A merge may not rewrite fields that were never in conflict
	_, err = r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		"dosage_mg": json.RawMessage("30"),
		"name":      json.RawMessage(`"Glucophage"`),
	})
	if err == nil || !strings.Contains(err.Error(), "non-conflicting") {
		t.Errorf("Expected non-conflicting field rejection, got %v", err)
	}
}

func TestBuildResolution_MergedNullDropsField(t *testing.T) {
	local := snapshot("rec-1", VersionVector{"device_a": 1}, map[string]string{"note": `"draft"`})
	remote := snapshot("rec-1", VersionVector{"device_b": 1}, map[string]string{"note": `"other draft"`})
	diffs := DiffSnapshots(local, remote)

	r := NewResolver("device_a", nil)
	resolved, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		"note": json.RawMessage("null"),
	})
	if err != nil {
		t.Fatalf("Failed to build merged resolution: %v", err)
	}
	if _, present := resolved.Fields["note"]; present {
		t.Error("A null merged value should drop the field")
	}
}

func TestBuildResolution_MergedTombstone(t *testing.T) {
	// Delete vs edit, settled by an explicit merge decision
	local := snapshot("med-1", VersionVector{"device_a": 2}, map[string]string{"dosage_mg": "20"})
	remote := snapshot("med-1", VersionVector{"device_b": 1}, map[string]string{"dosage_mg": "20"})
	remote.Tombstone = true
	diffs := DiffSnapshots(local, remote)

	r := NewResolver("device_a", nil)
	resolved, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		TombstoneField: json.RawMessage("true"),
	})
	if err != nil {
		t.Fatalf("Failed to resolve deletion: %v", err)
	}
	if !resolved.Tombstone {
		t.Error("Expected the resolution to uphold the deletion")
	}

	// The tombstone decision must be a boolean
	if _, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		TombstoneField: json.RawMessage(`"yes"`),
	}); err == nil {
		t.Error("Expected non-boolean tombstone value to be rejected")
	}
}

func TestBuildResolution_UnsupportedChoice(t *testing.T) {
	local := snapshot("rec-1", VersionVector{"device_a": 1}, map[string]string{"note": `"a"`})
	remote := snapshot("rec-1", VersionVector{"device_b": 1}, map[string]string{"note": `"b"`})

	r := NewResolver("device_a", nil)
	_, err := r.BuildResolution(local, local, remote, DiffSnapshots(local, remote), models.ResolutionChoice("coin_flip"), nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported resolution choice") {
		t.Errorf("Expected unsupported choice error, got %v", err)
	}
}

func TestPropagationPatch(t *testing.T) {
	local := snapshot("rec-1", VersionVector{"device_a": 1}, map[string]string{
		"note":  `"local draft"`,
		"extra": `"local only"`,
	})
	remote := snapshot("rec-1", VersionVector{"device_b": 1}, map[string]string{
		"note": `"remote draft"`,
	})
	remote.Tombstone = true
	diffs := DiffSnapshots(local, remote)

	r := NewResolver("device_a", nil)
	resolved, err := r.BuildResolution(local, local, remote, diffs, models.ChoiceMerged, FieldMap{
		"note":         json.RawMessage(`"settled"`),
		"extra":        json.RawMessage("null"),
		TombstoneField: json.RawMessage("false"),
	})
	if err != nil {
		t.Fatalf("Failed to build resolution: %v", err)
	}

	patch := PropagationPatch(resolved, diffs)
	if got := string(patch["note"]); got != `"settled"` {
		t.Errorf("Expected resolved note in patch, got %s", got)
	}
	// A field resolved away propagates as an explicit null
	if got := string(patch["extra"]); got != "null" {
		t.Errorf("Expected null for dropped field, got %s", got)
	}
	// Deletion travels as the mutation op, never as a patch field
	if _, present := patch[TombstoneField]; present {
		t.Error("Tombstone must not appear in a propagation patch")
	}
}
