package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/logger"
	"github.com/lucentlabs/lucent/internal/provider"
	"github.com/lucentlabs/lucent/internal/storage"
)

// statuses the submission handler treats as "already past submission";
// delivering the same event again must not resubmit the job.
var pastSubmission = map[models.JobStatus]bool{
	models.JobStatusPostprocessing: true,
	models.JobStatusUploading:      true,
}

// ProviderSubmitHandler delivers the provider_submit event: it submits the
// job payload to its rendering provider and, on a synchronous result,
// marches the job through to completed.
type ProviderSubmitHandler struct {
	jobService *Job
	registry   *provider.Registry
	uploader   storage.Uploader
}

// NewProviderSubmitHandler creates the provider submission handler. A nil
// uploader disables result archival.
func NewProviderSubmitHandler(jobService *Job, registry *provider.Registry, uploader storage.Uploader) *ProviderSubmitHandler {
	return &ProviderSubmitHandler{jobService: jobService, registry: registry, uploader: uploader}
}

// Name implements Handler.
func (h *ProviderSubmitHandler) Name() string { return models.EventTypeProviderSubmit }

// Run implements Handler. It is idempotent: a job that already advanced
// past rendering, or reached a terminal status, is left untouched.
func (h *ProviderSubmitHandler) Run(ctx context.Context, event *models.OutboxEvent) error {
	job, err := h.jobService.Get(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return Permanent(err, "job_not_found")
		}
		return err
	}

	if job.Status.IsTerminal() || pastSubmission[job.Status] {
		logger.DebugWithFields("Skipping submission for already-progressed job", map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status.String(),
		})
		return nil
	}

	gateway, err := h.registry.Get(job.Provider)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusQueued {
		err = h.jobService.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil)
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}

	result, err := gateway.Submit(ctx, provider.SubmitRequest{
		ImageURL: job.InputRef,
		Options:  job.Options,
		Model:    job.ModelName,
		OnProgress: func(stage string, percent int) {
			if progressErr := h.jobService.UpdateProgress(ctx, job.ID, stage, percent); progressErr != nil {
				logger.Debugf("Failed to record progress for job %d: %v", job.ID, progressErr)
			}
		},
	})
	if err != nil {
		return err
	}

	if result.ProviderJobID != "" {
		if idErr := h.jobService.SetProviderJobID(ctx, job.ID, result.ProviderJobID); idErr != nil {
			logger.Warnf("Failed to record provider job id for job %d: %v", job.ID, idErr)
		}
	}

	h.archiveResult(ctx, job.ID, result)
	return h.completeFromResult(ctx, job.ID, result)
}

// archiveResult writes the provider result manifest to object storage so the
// outcome survives provider-side URL expiry. Best effort; the job completes
// either way.
func (h *ProviderSubmitHandler) archiveResult(ctx context.Context, jobID uint, result *provider.Result) {
	if h.uploader == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		return
	}
	path := fmt.Sprintf("jobs/%d/result.json", jobID)
	if _, err := h.uploader.Put(ctx, path, body, "application/json"); err != nil {
		logger.Warnf("Failed to archive result for job %d: %v", jobID, err)
	}
}

// completeFromResult walks the job from rendering to completed. A callback
// may have advanced (or canceled) the job while the provider call was in
// flight, so every step tolerates an already-advanced status and terminal
// statuses end the walk as a no-op.
func (h *ProviderSubmitHandler) completeFromResult(ctx context.Context, jobID uint, result *provider.Result) error {
	steps := []struct {
		from, to models.JobStatus
		effects  *TransitionEffects
	}{
		{models.JobStatusRendering, models.JobStatusPostprocessing, nil},
		{models.JobStatusPostprocessing, models.JobStatusUploading, nil},
		{models.JobStatusUploading, models.JobStatusCompleted, &TransitionEffects{Result: result}},
	}

	for _, step := range steps {
		err := h.jobService.Transition(ctx, jobID, step.from, step.to, step.effects)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTerminalState) {
			// Canceled or completed out from under us; cooperative no-op.
			return nil
		}
		if errors.Is(err, ErrInvalidTransition) {
			job, getErr := h.jobService.Get(ctx, jobID)
			if getErr != nil {
				return getErr
			}
			if job.Status.IsTerminal() {
				return nil
			}
			continue
		}
		return err
	}
	return nil
}

// webhookPayload is the body delivered to the job's notification target.
type webhookPayload struct {
	JobID        uint             `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	Variants     []string         `json:"variants,omitempty"`
	CostMicros   int64            `json:"cost_micros,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// WebhookNotifyHandler delivers the webhook_notify event: it reports the
// job's terminal outcome to the configured webhook URL.
type WebhookNotifyHandler struct {
	jobService  *Job
	variantRepo *repos.VariantRepository
	httpClient  *http.Client
}

// NewWebhookNotifyHandler creates the webhook notification handler.
func NewWebhookNotifyHandler(jobService *Job, variantRepo *repos.VariantRepository) *WebhookNotifyHandler {
	return &WebhookNotifyHandler{
		jobService:  jobService,
		variantRepo: variantRepo,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name implements Handler.
func (h *WebhookNotifyHandler) Name() string { return models.EventTypeWebhookNotify }

// Run implements Handler. Canceled jobs are not notified: an in-flight
// notification that outlives a cancellation must be a no-op.
func (h *WebhookNotifyHandler) Run(ctx context.Context, event *models.OutboxEvent) error {
	job, err := h.jobService.Get(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return Permanent(err, "job_not_found")
		}
		return err
	}

	if job.WebhookURL == "" || job.Status == models.JobStatusCanceled {
		return nil
	}

	payload := webhookPayload{
		JobID:        job.ID,
		Status:       job.Status,
		CostMicros:   job.CostMicros,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		CompletedAt:  job.CompletedAt,
	}
	variants, err := h.variantRepo.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, v := range variants {
		payload.Variants = append(payload.Variants, v.OutputURL)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err, "webhook_payload_invalid")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err, "webhook_url_invalid")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode), "webhook_rejected")
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
