// Package models defines the persistent data model of the service.
package models

const (
	// DefaultLimit is the max number of rows that are retrieved from the DB per listing call
	DefaultLimit = 50
)

// ListOptions represents pagination and filtering options for list operations
type ListOptions struct {
	Limit  int `json:"limit"`  // Number of items to return
	Offset int `json:"offset"` // Number of items to skip

	// Status filters jobs by status when set
	Status *JobStatus `json:"status,omitempty"`
}
