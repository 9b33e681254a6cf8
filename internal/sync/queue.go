package sync

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/medvault-app/medsyncgo/internal/models"
)

// backoffExpCap bounds the exponent so the doubling can't overflow; the
// configured ceiling is what actually limits the delay.
const backoffExpCap = 10

// perMutationOverhead approximates the wire framing around one mutation when
// sizing batches.
const perMutationOverhead = 128

// NewMutationID returns a client-generated, globally unique mutation ID.
// ULIDs sort lexicographically by creation time, so FIFO order is primary-key
// order.
func NewMutationID() string {
	return ulid.Make().String()
}

// ValidateMutation rejects malformed mutations before anything is written.
// An update with an empty field patch is a caller programming error.
func ValidateMutation(op models.MutationOp, patch FieldMap) error {
	switch op {
	case models.OpCreate, models.OpUpdate:
		if len(patch) == 0 {
			return ErrInvalidPatch
		}
	case models.OpDelete:
		// Deletes carry no patch
	default:
		return fmt.Errorf("unknown mutation op %q", op)
	}
	return nil
}

// Queue is the durable mutation log. Rows live in the device store's
// database; enqueueing happens inside the store's commit transaction, the
// queue owns everything after that.
type Queue struct {
	db          *gorm.DB
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// NewQueue creates a queue over the device database
func NewQueue(db *gorm.DB, baseDelay, maxDelay time.Duration, maxAttempts int) *Queue {
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Queue{db: db, baseDelay: baseDelay, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

// Enqueue appends a mutation directly. The local-edit path enqueues through
// the store's transaction instead; this is for callers that already hold a
// committed record.
func (q *Queue) Enqueue(mut *models.Mutation) error {
	patch, err := DecodeFields(mut.FieldPatch)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", mut.MutationID, err)
	}
	if err := ValidateMutation(mut.Op, patch); err != nil {
		return err
	}
	if err := q.db.Create(mut).Error; err != nil {
		return fmt.Errorf("enqueue %s: %w", mut.MutationID, err)
	}
	return nil
}

// DequeueBatch selects the next transmission batch: pending mutations in
// FIFO order, skipping any inside their backoff window. An entity whose
// oldest unacked mutation cannot go (backoff, conflicted, in flight, or
// terminally failed) is skipped entirely, so per-entity order on the remote
// always matches local enqueue order. Selected mutations move to in_flight.
func (q *Queue) DequeueBatch(maxItems int, maxBytes int64, now time.Time) ([]models.Mutation, error) {
	if maxItems <= 0 {
		maxItems = 50
	}

	var all []models.Mutation
	if err := q.db.Order("mutation_id asc").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("dequeue scan: %w", err)
	}

	blocked := make(map[string]bool)
	var batch []models.Mutation
	var batchBytes int64

	for _, mut := range all {
		if len(batch) >= maxItems {
			break
		}
		if blocked[mut.EntityID] {
			continue
		}
		eligible := mut.Status == models.MutationPending &&
			(mut.NextRetryAt == nil || !mut.NextRetryAt.After(now))
		if !eligible {
			blocked[mut.EntityID] = true
			continue
		}

		size := int64(len(mut.FieldPatch)+len(mut.BaseVersionVector)) + perMutationOverhead
		if maxBytes > 0 && len(batch) > 0 && batchBytes+size > maxBytes {
			break
		}
		batch = append(batch, mut)
		batchBytes += size
	}

	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.MutationID
	}
	err := q.db.Model(&models.Mutation{}).
		Where("mutation_id IN ?", ids).
		Update("status", models.MutationInFlight).Error
	if err != nil {
		return nil, fmt.Errorf("dequeue mark in_flight: %w", err)
	}
	for i := range batch {
		batch[i].Status = models.MutationInFlight
	}
	return batch, nil
}

// MarkAcked removes an accepted mutation from the queue
func (q *Queue) MarkAcked(mutationID string) error {
	err := q.db.Where("mutation_id = ?", mutationID).Delete(&models.Mutation{}).Error
	if err != nil {
		return fmt.Errorf("ack %s: %w", mutationID, err)
	}
	return nil
}

// MarkFailed records a failed transmission attempt. The mutation returns to
// pending with an exponential backoff window, until the attempt budget is
// spent; then it parks in the terminal failed state and the returned status
// tells the caller to surface it.
func (q *Queue) MarkFailed(mutationID, reason string, now time.Time) (models.MutationStatus, error) {
	var mut models.Mutation
	if err := q.db.Where("mutation_id = ?", mutationID).First(&mut).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("fail %s: unknown mutation", mutationID)
		}
		return "", fmt.Errorf("fail %s: %w", mutationID, err)
	}

	mut.AttemptCount++
	mut.LastError = reason
	if mut.AttemptCount >= q.maxAttempts {
		mut.Status = models.MutationFailed
		mut.NextRetryAt = nil
	} else {
		mut.Status = models.MutationPending
		retryAt := now.Add(q.backoff(mut.AttemptCount))
		mut.NextRetryAt = &retryAt
	}

	if err := q.db.Save(&mut).Error; err != nil {
		return "", fmt.Errorf("fail %s: %w", mutationID, err)
	}
	return mut.Status, nil
}

// MarkConflicted parks a mutation whose entity is under an unresolved conflict
func (q *Queue) MarkConflicted(mutationID string) error {
	err := q.db.Model(&models.Mutation{}).
		Where("mutation_id = ?", mutationID).
		Update("status", models.MutationConflicted).Error
	if err != nil {
		return fmt.Errorf("park %s: %w", mutationID, err)
	}
	return nil
}

// Discard drops a superseded mutation (an obsolete local write)
func (q *Queue) Discard(mutationID string) error {
	err := q.db.Where("mutation_id = ?", mutationID).Delete(&models.Mutation{}).Error
	if err != nil {
		return fmt.Errorf("discard %s: %w", mutationID, err)
	}
	return nil
}

// DiscardConflicted removes an entity's parked mutations once a resolution
// commit has folded their effect into the new propagation mutation.
func (q *Queue) DiscardConflicted(entityID string) error {
	err := q.db.Where("entity_id = ? AND status = ?", entityID, models.MutationConflicted).
		Delete(&models.Mutation{}).Error
	if err != nil {
		return fmt.Errorf("discard conflicted for %s: %w", entityID, err)
	}
	return nil
}

// RequeueInFlight returns orphaned in-flight mutations to pending. Run at
// startup: a crash between dequeue and ack leaves them stranded.
func (q *Queue) RequeueInFlight() (int64, error) {
	res := q.db.Model(&models.Mutation{}).
		Where("status = ?", models.MutationInFlight).
		Update("status", models.MutationPending)
	if res.Error != nil {
		return 0, fmt.Errorf("requeue in_flight: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PendingCount reports the queue backlog (pending plus in flight)
func (q *Queue) PendingCount() (int64, error) {
	var n int64
	err := q.db.Model(&models.Mutation{}).
		Where("status IN ?", []models.MutationStatus{models.MutationPending, models.MutationInFlight}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// ListFailed returns terminally failed mutations for manual intervention
func (q *Queue) ListFailed() ([]models.Mutation, error) {
	var out []models.Mutation
	err := q.db.Where("status = ?", models.MutationFailed).
		Order("mutation_id asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return out, nil
}

// Get loads one mutation by ID
func (q *Queue) Get(mutationID string) (*models.Mutation, error) {
	var mut models.Mutation
	err := q.db.Where("mutation_id = ?", mutationID).First(&mut).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("mutation %s not found", mutationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", mutationID, err)
	}
	return &mut, nil
}

// backoff computes the wait before the next attempt:
// base * 2^min(attempts, cap) + random(0, base), bounded by the ceiling.
func (q *Queue) backoff(attempts int) time.Duration {
	exp := attempts
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	delay := q.baseDelay * time.Duration(1<<uint(exp))
	if delay > q.maxDelay || delay <= 0 {
		delay = q.maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(q.baseDelay)))
	delay += jitter
	if delay > q.maxDelay {
		delay = q.maxDelay
	}
	return delay
}
