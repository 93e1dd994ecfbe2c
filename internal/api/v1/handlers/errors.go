// Package handlers provides HTTP request handling
package handlers

// Common error messages
const (
	ErrMsgInvalidJobID     = "Invalid job id"
	ErrMsgInvalidReqBody   = "Invalid request body"
	ErrMsgJobNotFound      = "Job not found"
	ErrMsgJobGetFailed     = "Failed to get job"
	ErrMsgJobListFailed    = "Failed to list jobs"
	ErrMsgJobCancelFailed  = "Failed to cancel job"
	ErrMsgJobStatusInvalid = "Invalid job status"
)

// Callback error messages
const (
	ErrMsgSignatureRequired = "Signature headers are required"
	ErrMsgUnauthorized      = "Invalid or stale callback signature"
	ErrMsgIllegalTransition = "Illegal status transition"
	ErrMsgCallbackFailed    = "Failed to apply callback"
)
