// Package repos provides data access to jobs, outbox events and variants.
package repos

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned when a compare-and-swap status update
	// matched no row because the stored status differs from the expected one.
	// Callers racing on the same job observe this instead of a lost update.
	ErrStatusConflict = errors.New("status conflict")
)
