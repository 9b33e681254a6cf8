package models

import (
	"time"

	"gorm.io/datatypes"
)

// HealthRecord is the authoritative local copy of one synced entity on a
// device. Fields and VersionVector are stored as JSON; the sync package owns
// their interpretation.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type HealthRecord struct {
	EntityID string         `gorm:"primaryKey" json:"entityId"`
	Fields   datatypes.JSON `json:"fields"`
	// No column default here: a default on a JSON column would make GORM's
	// upsert skip the column on conflict, freezing the vector at its insert
	// value.
	VersionVector datatypes.JSON `json:"versionVector"`
	LastWriter    string         `json:"lastWriter"`
	// UpdatedAt is the origin-local wall clock. Advisory only: shown to
	// humans, never consulted for conflict ordering.
	UpdatedAt    time.Time  `json:"updatedAt"`
	Tombstone    bool       `gorm:"default:false;index" json:"tombstone"`
	TombstonedAt *time.Time `json:"tombstonedAt,omitempty"`
	// LocalSeq is a monotonic change cursor assigned at commit time.
	// ListSince pages over it.
	LocalSeq int64 `gorm:"index" json:"-"`
}

// TableName specifies the table name for HealthRecord
func (HealthRecord) TableName() string {
	return "health_records"
}
