package models

import (
	"time"

	"gorm.io/datatypes"
)

// MutationOp is the kind of change a mutation carries
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// MutationStatus tracks a mutation through the sync queue
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"    // Waiting in the queue
	MutationInFlight   MutationStatus = "in_flight"  // Part of the current exchange
	MutationAcked      MutationStatus = "acked"      // Accepted by the remote (row is removed)
	MutationConflicted MutationStatus = "conflicted" // Parked until its conflict resolves
	MutationFailed     MutationStatus = "failed"     // Terminal: retry budget exhausted
)

// Mutation is one queued local change awaiting transmission. MutationID is a
// client-generated ULID, so lexicographic order is creation order and the
// queue drains FIFO by primary key.
type Mutation struct {
	MutationID        string         `gorm:"primaryKey" json:"mutationId"`
	EntityID          string         `gorm:"index" json:"entityId"`
	Op                MutationOp     `json:"op"`
	FieldPatch        datatypes.JSON `json:"fieldPatch"`
	BaseVersionVector datatypes.JSON `json:"baseVersionVector"`
	Origin            string         `json:"origin"`
	Status            MutationStatus `gorm:"default:'pending';index" json:"status"`
	AttemptCount      int            `gorm:"default:0" json:"attemptCount"`
	NextRetryAt       *time.Time     `json:"nextRetryAt,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// TableName specifies the table name for Mutation
func (Mutation) TableName() string {
	return "mutations"
}
