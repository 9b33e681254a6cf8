package models

import (
	"time"
)

// SessionOutcome is the terminal result of one sync session
type SessionOutcome string

const (
	SessionSuccess SessionOutcome = "success"
	SessionPartial SessionOutcome = "partial" // Some mutations pushed, some failed or conflicted
	SessionFailed  SessionOutcome = "failed"
)

// SyncSession is the diagnostic trail of one connectivity window. Only a
// bounded number of recent sessions is retained.
type SyncSession struct {
	SessionID       string         `gorm:"primaryKey" json:"sessionId"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	DurationMs      int64          `json:"durationMs"`
	Connectivity    string         `json:"connectivity"`
	BytesSent       int64          `json:"bytesSent"`
	BytesReceived   int64          `json:"bytesReceived"`
	MutationsPushed int            `json:"mutationsPushed"`
	RecordsPulled   int            `json:"recordsPulled"`
	ConflictsFound  int            `json:"conflictsFound"`
	Outcome         SessionOutcome `json:"outcome"`
	ErrorDetail     string         `json:"errorDetail,omitempty"`
}

// TableName specifies the table name for SyncSession
func (SyncSession) TableName() string {
	return "sync_sessions"
}

// SyncCheckpoint persists the opaque pull cursor between runs. A single row
// (ID 1) per device.
type SyncCheckpoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for SyncCheckpoint
func (SyncCheckpoint) TableName() string {
	return "sync_checkpoints"
}
