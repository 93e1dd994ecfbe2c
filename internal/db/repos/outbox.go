package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lucentlabs/lucent/internal/db/models"
)

// OutboxRepository handles database operations for outbox events
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new instance of OutboxRepository
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create creates a new outbox event in the database
func (r *OutboxRepository) Create(ctx context.Context, event *models.OutboxEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// GetByID retrieves an outbox event by ID
func (r *OutboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return &event, nil
}

// ListByJob retrieves all outbox events for a job, oldest first
func (r *OutboxRepository) ListByJob(ctx context.Context, jobID uint) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where(&models.OutboxEvent{JobID: jobID}).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

// ClaimBatch atomically claims up to limit due pending events for the
// calling worker. Each candidate row is flipped pending -> processing with a
// compare-and-swap, so two dispatchers concurrently claiming from the same
// pending set never receive the same row.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.OutboxEvent, error) {
	var candidates []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.OutboxStatusPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}

	claimed := make([]models.OutboxEvent, 0, len(candidates))
	for i := range candidates {
		res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
			Where("id = ? AND status = ?", candidates[i].ID, models.OutboxStatusPending).
			Updates(map[string]interface{}{
				models.OutboxStatusField:    models.OutboxStatusProcessing,
				models.OutboxClaimedAtField: now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		candidates[i].Status = models.OutboxStatusProcessing
		claimedAt := now
		candidates[i].ClaimedAt = &claimedAt
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// MarkCompleted marks a processing event as delivered
func (r *OutboxRepository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			models.OutboxStatusField: models.OutboxStatusCompleted,
			"processed_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox event %s not processing: %w", id, ErrStatusConflict)
	}
	return nil
}

// Reschedule returns a processing event to pending with an updated attempt
// count and a retry-due timestamp
func (r *OutboxRepository) Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			models.OutboxStatusField:      models.OutboxStatusPending,
			"attempts":                    attempts,
			models.OutboxNextRetryAtField: nextRetryAt,
			"last_error":                  lastError,
			models.OutboxClaimedAtField:   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox event %s not processing: %w", id, ErrStatusConflict)
	}
	return nil
}

// MarkFailed terminally fails a processing event. Failed is terminal; the
// row never changes again.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, now time.Time, lastError string) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			models.OutboxStatusField: models.OutboxStatusFailed,
			"attempts":               attempts,
			"processed_at":           now,
			"last_error":             lastError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox event %s not processing: %w", id, ErrStatusConflict)
	}
	return nil
}

// SweepStale re-queues processing events whose claim is older than
// staleAfter, treating them as abandoned by a dead worker. Swept rows become
// pending with next_retry_at = now. Returns the number of recovered rows.
func (r *OutboxRepository) SweepStale(ctx context.Context, staleAfter time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-staleAfter)
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", models.OutboxStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			models.OutboxStatusField:      models.OutboxStatusPending,
			models.OutboxNextRetryAtField: now,
			models.OutboxClaimedAtField:   nil,
		})
	return res.RowsAffected, res.Error
}

// HasActive reports whether a pending or processing event exists for the
// given job and event type. Used to keep one in-flight row per effect.
func (r *OutboxRepository) HasActive(ctx context.Context, jobID uint, eventType string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("job_id = ? AND event_type = ? AND status IN ?", jobID, eventType,
			[]models.OutboxStatus{models.OutboxStatusPending, models.OutboxStatusProcessing}).
		Count(&count).Error
	return count > 0, err
}
