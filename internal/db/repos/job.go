package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lucentlabs/lucent/internal/db/models"
)

// JobRepository provides access to job-related database operations
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job in the database. When event is non-nil it is
// inserted in the same transaction, so the job row and the intent to submit
// it are committed as one unit.
func (r *JobRepository) Create(ctx context.Context, job *models.Job, event *models.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if event != nil {
			event.JobID = job.ID
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Where(&models.Job{Model: gorm.Model{ID: id}}).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns a list of jobs, newest first
func (r *JobRepository) List(ctx context.Context, opts *models.ListOptions) ([]models.Job, error) {
	var jobs []models.Job
	query := r.db.WithContext(ctx).Model(&models.Job{})
	if opts != nil {
		if opts.Status != nil {
			query = query.Where(&models.Job{Status: *opts.Status})
		}
		limit := opts.Limit
		if limit == 0 {
			limit = models.DefaultLimit
		}
		query = query.Limit(limit).Offset(opts.Offset)
	}
	err := query.Order(models.JobCreatedAtField + " DESC").Find(&jobs).Error
	return jobs, err
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
	}
	return counts, nil
}

// Transition atomically moves a job from one status to another. The status
// update is a compare-and-swap on the expected current status; when it
// matches no row, ErrStatusConflict is returned and nothing is written.
// Variants and the outbox event, when supplied, are committed in the same
// transaction as the status change.
func (r *JobRepository) Transition(
	ctx context.Context,
	jobID uint,
	from, to models.JobStatus,
	updates map[string]interface{},
	variants []*models.Variant,
	event *models.OutboxEvent,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates[models.JobStatusField] = to

		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %d %s -> %s: %w", jobID, from, to, ErrStatusConflict)
		}

		for _, v := range variants {
			v.JobID = jobID
			if err := tx.Create(v).Error; err != nil {
				return fmt.Errorf("failed to create variant: %w", err)
			}
		}

		if event != nil {
			event.JobID = jobID
			if err := tx.Create(event).Error; err != nil {
				return fmt.Errorf("failed to create outbox event: %w", err)
			}
		}
		return nil
	})
}

// UpdateProviderJobID records the provider-side identifier of a submitted job.
func (r *JobRepository) UpdateProviderJobID(ctx context.Context, jobID uint, providerJobID string) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Update("provider_job_id", providerJobID).Error
}

// UpdateProgress updates the progress stage and percentage of a running job.
// The percentage is monotonic non-decreasing; stale updates match no row and
// are dropped silently.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID uint, stage string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND progress_percent <= ?", jobID, percent).
		Updates(map[string]interface{}{
			"progress_stage":   stage,
			"progress_percent": percent,
			"updated_at":       time.Now(),
		}).Error
}
