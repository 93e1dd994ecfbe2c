package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Variant is one output image produced by a completed job. Variants are
// written only inside the completion transaction and are immutable after.
type Variant struct {
	gorm.Model
	JobID     uint      `json:"job_id" gorm:"not null;index;uniqueIndex:idx_variant_job_rank,priority:1"`
	OutputURL string    `json:"output_url" gorm:"not null;type:text"`
	Rank      int       `json:"rank" gorm:"not null;uniqueIndex:idx_variant_job_rank,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate ensures that the variant data is valid
func (v *Variant) Validate() error {
	if v.JobID == 0 {
		return fmt.Errorf("variant job_id cannot be zero")
	}
	if v.OutputURL == "" {
		return fmt.Errorf("variant output_url cannot be empty")
	}
	if v.Rank < 0 {
		return fmt.Errorf("variant rank cannot be negative")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new variant
func (v *Variant) BeforeCreate(_ *gorm.DB) error {
	return v.Validate()
}
