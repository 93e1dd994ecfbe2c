package handlers

import (
	"github.com/lucentlabs/lucent/internal/services"
	"github.com/lucentlabs/lucent/internal/signature"
)

// APIHandler is a handler for the API
type APIHandler struct {
	jobService *services.Job
	verifier   *signature.Verifier
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(jobService *services.Job, verifier *signature.Verifier) *APIHandler {
	return &APIHandler{
		jobService: jobService,
		verifier:   verifier,
	}
}
