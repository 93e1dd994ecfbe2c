package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Field names for the job model
const (
	// JobStatusField is the database field name for the job status
	JobStatusField = "status"
	// JobCreatedAtField is the database field name for the job creation timestamp
	JobCreatedAtField = "created_at"
)

// JobStatus represents the current state of an enhancement job
type JobStatus string

// Job status constants
const (
	// JobStatusQueued indicates the job is waiting to be submitted
	JobStatusQueued JobStatus = "queued"
	// JobStatusDownloading indicates the input image is being fetched
	JobStatusDownloading JobStatus = "downloading"
	// JobStatusPreprocessing indicates the input is being prepared for the provider
	JobStatusPreprocessing JobStatus = "preprocessing"
	// JobStatusRendering indicates the provider is working on the job
	JobStatusRendering JobStatus = "rendering"
	// JobStatusPostprocessing indicates provider output is being post-processed
	JobStatusPostprocessing JobStatus = "postprocessing"
	// JobStatusUploading indicates output variants are being persisted
	JobStatusUploading JobStatus = "uploading"
	// JobStatusCompleted indicates the job finished successfully
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates the job was canceled
	JobStatusCanceled JobStatus = "canceled"
)

// jobTransitions is the set of legal forward edges of the job lifecycle.
// Terminal statuses have no outgoing edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:         {JobStatusDownloading, JobStatusRendering, JobStatusCanceled, JobStatusFailed},
	JobStatusDownloading:    {JobStatusPreprocessing, JobStatusCanceled, JobStatusFailed},
	JobStatusPreprocessing:  {JobStatusRendering, JobStatusCanceled, JobStatusFailed},
	JobStatusRendering:      {JobStatusPostprocessing, JobStatusCanceled, JobStatusFailed},
	JobStatusPostprocessing: {JobStatusUploading, JobStatusCanceled, JobStatusFailed},
	JobStatusUploading:      {JobStatusCompleted, JobStatusCanceled, JobStatusFailed},
	JobStatusCompleted:      {},
	JobStatusFailed:         {},
	JobStatusCanceled:       {},
}

// Job error codes surfaced on failed jobs
const (
	// ErrorCodeRetriesExhausted marks a job failed because the outbox retry
	// budget ran out, as opposed to the provider reporting a hard failure.
	ErrorCodeRetriesExhausted = "retries_exhausted"
	// ErrorCodeProviderRejected marks a job the provider refused outright.
	ErrorCodeProviderRejected = "provider_rejected"
	// ErrorCodeProviderFailed marks a failure reported by the provider callback.
	ErrorCodeProviderFailed = "provider_failed"
)

// Job represents a delegated image enhancement job
type Job struct {
	gorm.Model
	Status          JobStatus       `json:"status" gorm:"not null;index;default:'queued'"`
	ProgressStage   string          `json:"progress_stage,omitempty" gorm:"type:text"`
	ProgressPercent int             `json:"progress_percent" gorm:"not null;default:0"`
	Provider        string          `json:"provider" gorm:"not null;index"`
	ModelName       string          `json:"model,omitempty" gorm:"column:model"`
	InputRef        string          `json:"input_ref" gorm:"not null;type:text"`
	Options         json.RawMessage `json:"options,omitempty" gorm:"type:jsonb"`
	ProviderJobID   string          `json:"provider_job_id,omitempty" gorm:"index"`
	CostMicros      int64           `json:"cost_micros"`
	ErrorMessage    string          `json:"error_message,omitempty" gorm:"type:text"`
	ErrorCode       string          `json:"error_code,omitempty"`
	WebhookURL      string          `json:"webhook_url,omitempty" gorm:"type:text"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at" gorm:"index"`
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

// CanTransitionTo reports whether to is a legal edge from s.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// String returns the string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// JobStatuses returns every known job status.
func JobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusQueued,
		JobStatusDownloading,
		JobStatusPreprocessing,
		JobStatusRendering,
		JobStatusPostprocessing,
		JobStatusUploading,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCanceled,
	}
}

// ParseJobStatus converts a string to a JobStatus type
func ParseJobStatus(str string) (JobStatus, error) {
	for _, status := range JobStatuses() {
		if string(status) == str {
			return status, nil
		}
	}
	return "", fmt.Errorf("invalid job status: %s", str)
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseJobStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// MarshalJSON implements json.Marshaler for JobStatus
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Validate ensures that the job data is valid
func (j *Job) Validate() error {
	if j.Provider == "" {
		return fmt.Errorf("job provider cannot be empty")
	}
	if j.InputRef == "" {
		return fmt.Errorf("job input_ref cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new job
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	return j.Validate()
}
