// Package store implements the device-side durable store: the authoritative
// local copy of every record, the mutation queue rows, conflict records,
// session history and the pull checkpoint, all in one SQLite file so related
// writes can share a transaction.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/notify"
)

// ErrNotFound is returned by Get for an unknown entity
var ErrNotFound = errors.New("record not found")

// ChangeEvent announces one committed record change to local observers
type ChangeEvent struct {
	EntityID  string `json:"entityId"`
	Tombstone bool   `json:"tombstone"`
	LocalSeq  int64  `json:"localSeq"`
}

// Store wraps the device database. All record persistence goes through it;
// every committed record change is published to the change feed after the
// transaction lands.
type Store struct {
	db      *gorm.DB
	changes *notify.Feed[ChangeEvent]
}

// New creates a Store on an opened device database
func New(db *gorm.DB) *Store {
	return &Store{
		db:      db,
		changes: notify.NewFeed[ChangeEvent](),
	}
}

// DB exposes the underlying handle for components that share the device
// database (the mutation queue).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Changes returns the feed of committed record changes
func (s *Store) Changes() *notify.Feed[ChangeEvent] {
	return s.changes
}

// Close shuts down the change feed. The database handle is owned by the caller.
func (s *Store) Close() {
	s.changes.Close()
}

// Get returns the record for entityID, or ErrNotFound
func (s *Store) Get(entityID string) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	err := s.db.Where("entity_id = ?", entityID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", entityID, err)
	}
	return &rec, nil
}

// List returns records for local browsing, most recently updated first.
// Tombstoned entries are skipped unless asked for.
func (s *Store) List(includeTombstones bool, limit int) ([]models.HealthRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.Order("updated_at desc").Limit(limit)
	if !includeTombstones {
		query = query.Where("tombstone = ?", false)
	}
	var recs []models.HealthRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// Put commits a record on its own. Used for remote snapshot adoption and
// vector bumps, where no local mutation is produced.
func (s *Store) Put(rec *models.HealthRecord) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return upsertRecord(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.EntityID, err)
	}
	s.publish(rec)
	return nil
}

// CommitLocalChange commits a record update and its queued mutation in one
// transaction. Either both land or neither does.
func (s *Store) CommitLocalChange(rec *models.HealthRecord, mut *models.Mutation) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := upsertRecord(tx, rec); err != nil {
			return err
		}
		return tx.Create(mut).Error
	})
	if err != nil {
		return fmt.Errorf("commit local change %s: %w", rec.EntityID, err)
	}
	s.publish(rec)
	return nil
}

// CommitResolution commits a resolved record, its propagation mutation, and
// the conflict's terminal state atomically.
func (s *Store) CommitResolution(rec *models.HealthRecord, mut *models.Mutation, conflict *models.ConflictRecord) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := upsertRecord(tx, rec); err != nil {
			return err
		}
		if err := tx.Create(mut).Error; err != nil {
			return err
		}
		return tx.Save(conflict).Error
	})
	if err != nil {
		return fmt.Errorf("commit resolution %s: %w", rec.EntityID, err)
	}
	s.publish(rec)
	return nil
}

// ListSince pages committed records in change order, starting after the
// given checkpoint. Returns the next checkpoint to resume from; a short or
// empty page means the sequence is exhausted for now.
func (s *Store) ListSince(checkpoint int64, limit int) ([]models.HealthRecord, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []models.HealthRecord
	err := s.db.Where("local_seq > ?", checkpoint).
		Order("local_seq asc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, checkpoint, fmt.Errorf("list since %d: %w", checkpoint, err)
	}
	next := checkpoint
	if len(recs) > 0 {
		next = recs[len(recs)-1].LocalSeq
	}
	return recs, next, nil
}

// PurgeTombstones hard-deletes tombstoned records past the retention window
func (s *Store) PurgeTombstones(olderThan time.Time) (int64, error) {
	res := s.db.Where("tombstone = ? AND tombstoned_at < ?", true, olderThan).
		Delete(&models.HealthRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge tombstones: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Checkpoint returns the persisted pull cursor, empty if no pull has happened
func (s *Store) Checkpoint() (string, error) {
	var cp models.SyncCheckpoint
	err := s.db.Where("id = ?", 1).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint: %w", err)
	}
	return cp.Cursor, nil
}

// SaveCheckpoint persists the pull cursor
func (s *Store) SaveCheckpoint(cursor string) error {
	cp := models.SyncCheckpoint{ID: 1, Cursor: cursor, UpdatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// SaveConflict persists a new or updated conflict record
func (s *Store) SaveConflict(c *models.ConflictRecord) error {
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", c.ConflictID, err)
	}
	return nil
}

// GetConflict loads one conflict record, or ErrNotFound
func (s *Store) GetConflict(conflictID string) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	err := s.db.Where("conflict_id = ?", conflictID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %s: %w", conflictID, err)
	}
	return &c, nil
}

// ListConflicts returns conflicts, newest first, optionally only unresolved ones
func (s *Store) ListConflicts(unresolvedOnly bool) ([]models.ConflictRecord, error) {
	q := s.db.Order("created_at desc")
	if unresolvedOnly {
		q = q.Where("resolution_state = ?", models.ResolutionUnresolved)
	}
	var out []models.ConflictRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return out, nil
}

// UnresolvedConflicts returns the open conflicts, oldest first, for rebuilding
// the entity lock set at startup.
func (s *Store) UnresolvedConflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord
	err := s.db.Where("resolution_state = ?", models.ResolutionUnresolved).
		Order("created_at asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load unresolved conflicts: %w", err)
	}
	return out, nil
}

// SaveSession records one sync session and prunes history beyond keep
func (s *Store) SaveSession(sess *models.SyncSession, keep int) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(sess).Error; err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		// Drop everything older than the newest `keep` sessions
		var cutoff models.SyncSession
		err := tx.Order("started_at desc").Offset(keep - 1).Limit(1).First(&cutoff).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Where("started_at < ?", cutoff.StartedAt).Delete(&models.SyncSession{}).Error
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// ListSessions returns recent sessions, newest first
func (s *Store) ListSessions(limit int) ([]models.SyncSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.SyncSession
	err := s.db.Order("started_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *Store) publish(rec *models.HealthRecord) {
	s.changes.Publish(ChangeEvent{
		EntityID:  rec.EntityID,
		Tombstone: rec.Tombstone,
		LocalSeq:  rec.LocalSeq,
	})
}

// upsertRecord assigns the next change cursor and writes the record. SQLite
// serializes writers, so the max+1 read is stable within the transaction.
func upsertRecord(tx *gorm.DB, rec *models.HealthRecord) error {
	var maxSeq int64
	if err := tx.Model(&models.HealthRecord{}).
		Select("COALESCE(MAX(local_seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return err
	}
	rec.LocalSeq = maxSeq + 1
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}
