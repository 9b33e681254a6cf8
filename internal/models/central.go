package models

import (
	"time"

	"gorm.io/datatypes"
)

// CentralRecord is the central store's copy of a synced entity. Same shape as
// HealthRecord, but the change cursor is a server-assigned sequence the pull
// endpoint pages over.
type CentralRecord struct {
	EntityID      string         `gorm:"primaryKey" json:"entityId"`
	Fields        datatypes.JSON `json:"fields"`
	VersionVector datatypes.JSON `json:"versionVector"`
	LastWriter    string         `json:"lastWriter"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Tombstone     bool           `gorm:"default:false;index" json:"tombstone"`
	TombstonedAt  *time.Time     `json:"tombstonedAt,omitempty"`
	ServerSeq     int64          `gorm:"uniqueIndex" json:"-"`
}

// TableName specifies the table name for CentralRecord
func (CentralRecord) TableName() string {
	return "central_records"
}

// AppliedMutation records a mutation_id the central store has already applied,
// so replayed pushes are acknowledged without reapplying.
type AppliedMutation struct {
	MutationID string    `gorm:"primaryKey" json:"mutationId"`
	EntityID   string    `gorm:"index" json:"entityId"`
	Origin     string    `json:"origin"`
	AppliedAt  time.Time `json:"appliedAt"`
}

// TableName specifies the table name for AppliedMutation
func (AppliedMutation) TableName() string {
	return "applied_mutations"
}
