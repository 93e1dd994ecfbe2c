package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Field names for the outbox event model
const (
	// OutboxStatusField is the field name for the outbox event status
	OutboxStatusField = "status"
	// OutboxNextRetryAtField is the field name for the retry-due timestamp
	OutboxNextRetryAtField = "next_retry_at"
	// OutboxClaimedAtField is the field name for the claim timestamp
	OutboxClaimedAtField = "claimed_at"
)

// OutboxStatus represents the delivery state of an outbox event
type OutboxStatus string

// Outbox status constants
const (
	// OutboxStatusPending indicates the event is waiting to be claimed
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusProcessing indicates a dispatcher worker owns the event
	OutboxStatusProcessing OutboxStatus = "processing"
	// OutboxStatusCompleted indicates the side effect was delivered
	OutboxStatusCompleted OutboxStatus = "completed"
	// OutboxStatusFailed indicates delivery was given up on; terminal
	OutboxStatusFailed OutboxStatus = "failed"
)

// Outbox event types, each identifying a registered side-effect handler
const (
	// EventTypeProviderSubmit submits the job to its rendering provider
	EventTypeProviderSubmit = "provider_submit"
	// EventTypeWebhookNotify delivers the job outcome to the configured webhook
	EventTypeWebhookNotify = "webhook_notify"
)

// OutboxEvent is a durable intent to perform one side effect for a job.
// It is inserted in the same transaction as the job-status write that
// requires it and owned by the dispatcher until terminal.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	JobID       uint            `json:"job_id" gorm:"not null;index"`
	EventType   string          `json:"event_type" gorm:"not null;index"`
	Status      OutboxStatus    `json:"status" gorm:"not null;index;default:'pending'"`
	Attempts    int             `json:"attempts" gorm:"not null;default:0"`
	Payload     json.RawMessage `json:"payload,omitempty" gorm:"type:jsonb"`
	LastError   string          `json:"last_error,omitempty" gorm:"type:text"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty" gorm:"index"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the event can no longer change state.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusCompleted || s == OutboxStatusFailed
}

// String returns the string representation of the outbox status
func (s OutboxStatus) String() string {
	return string(s)
}

// ParseOutboxStatus converts a string to an OutboxStatus type
func ParseOutboxStatus(str string) (OutboxStatus, error) {
	switch str {
	case string(OutboxStatusPending):
		return OutboxStatusPending, nil
	case string(OutboxStatusProcessing):
		return OutboxStatusProcessing, nil
	case string(OutboxStatusCompleted):
		return OutboxStatusCompleted, nil
	case string(OutboxStatusFailed):
		return OutboxStatusFailed, nil
	default:
		return "", fmt.Errorf("invalid outbox status: %s", str)
	}
}

// Validate ensures that the event data is valid
func (e *OutboxEvent) Validate() error {
	if e.JobID == 0 {
		return fmt.Errorf("outbox event job_id cannot be zero")
	}
	if e.EventType == "" {
		return fmt.Errorf("outbox event type cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new outbox event
func (e *OutboxEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = OutboxStatusPending
	}
	return e.Validate()
}
