package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/lucentlabs/lucent/internal/db/models"
)

// VariantRepository handles database operations for output variants
type VariantRepository struct {
	db *gorm.DB
}

// NewVariantRepository creates a new instance of VariantRepository
func NewVariantRepository(db *gorm.DB) *VariantRepository {
	return &VariantRepository{db: db}
}

// ListByJob retrieves all variants for a job ordered by rank
func (r *VariantRepository) ListByJob(ctx context.Context, jobID uint) ([]models.Variant, error) {
	var variants []models.Variant
	err := r.db.WithContext(ctx).
		Where(&models.Variant{JobID: jobID}).
		Order("rank ASC").
		Find(&variants).Error
	return variants, err
}
