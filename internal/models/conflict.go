package models

import (
	"time"

	"gorm.io/datatypes"
)

// ResolutionState tracks whether a conflict still needs a decision
type ResolutionState string

const (
	ResolutionUnresolved   ResolutionState = "unresolved"
	ResolutionAutoResolved ResolutionState = "auto_resolved"
	ResolutionUserResolved ResolutionState = "user_resolved"
)

// ResolutionChoice is the decision applied to a conflict
type ResolutionChoice string

const (
	ChoiceKeepLocal  ResolutionChoice = "keep_local"
	ChoiceKeepRemote ResolutionChoice = "keep_remote"
	ChoiceMerged     ResolutionChoice = "merged"
	ChoiceDeferred   ResolutionChoice = "deferred"
)

// ConflictRecord captures two divergent writes to the same entity. Snapshots
// and the per-field diff are stored as JSON; FieldDiffs holds a sorted list of
// {field, local, remote, differ} entries.
type ConflictRecord struct {
	ConflictID       string           `gorm:"primaryKey" json:"conflictId"`
	EntityID         string           `gorm:"index" json:"entityId"`
	LocalSnapshot    datatypes.JSON   `json:"localSnapshot"`
	RemoteSnapshot   datatypes.JSON   `json:"remoteSnapshot"`
	CommonAncestor   datatypes.JSON   `json:"commonAncestor,omitempty"` // nullable: unknown when no shared base survives
	FieldDiffs       datatypes.JSON   `json:"fieldDiffs"`
	ResolutionState  ResolutionState  `gorm:"default:'unresolved';index" json:"resolutionState"`
	ResolutionChoice ResolutionChoice `json:"resolutionChoice,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	// RemindAt is when a deferred conflict should be surfaced again.
	RemindAt  *time.Time `json:"remindAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TableName specifies the table name for ConflictRecord
func (ConflictRecord) TableName() string {
	return "conflict_records"
}
