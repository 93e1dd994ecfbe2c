// Package services contains the business logic of the job service: the job
// state machine, the outbox dispatcher and the side-effect handlers.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/logger"
	"github.com/lucentlabs/lucent/internal/metrics"
	"github.com/lucentlabs/lucent/internal/provider"
)

// progress percentages reported when a job enters each stage
var stagePercent = map[models.JobStatus]int{
	models.JobStatusDownloading:    5,
	models.JobStatusPreprocessing:  10,
	models.JobStatusRendering:      20,
	models.JobStatusPostprocessing: 90,
	models.JobStatusUploading:      95,
	models.JobStatusCompleted:      100,
}

// SideEffect describes the outbox event a transition schedules.
type SideEffect struct {
	EventType string
	Payload   json.RawMessage
}

// TransitionEffects carries the writes that accompany a status change.
type TransitionEffects struct {
	// Stage is the free-text progress substate label; empty keeps the
	// status name as the stage.
	Stage string
	// Percent overrides the default progress percentage for the target
	// status when positive.
	Percent int
	// Result supplies variants and cost; required when transitioning to
	// completed, ignored otherwise.
	Result *provider.Result
	// ErrorCode and ErrorMessage are written when transitioning to failed.
	ErrorCode    string
	ErrorMessage string
	// Effect schedules one outbox event in the same commit. Terminal
	// transitions of jobs with a webhook URL get a notification event
	// scheduled automatically when Effect is nil.
	Effect *SideEffect
}

// Job is the single authority that may mutate a job's status. All writes to
// the job row flow through Create, Transition, ForceFail or Cancel.
type Job struct {
	jobRepo     *repos.JobRepository
	outboxRepo  *repos.OutboxRepository
	variantRepo *repos.VariantRepository
	registry    *provider.Registry
	metrics     *metrics.Metrics
}

// NewJobService creates a new job service instance
func NewJobService(
	jobRepo *repos.JobRepository,
	outboxRepo *repos.OutboxRepository,
	variantRepo *repos.VariantRepository,
	registry *provider.Registry,
	m *metrics.Metrics,
) *Job {
	return &Job{
		jobRepo:     jobRepo,
		outboxRepo:  outboxRepo,
		variantRepo: variantRepo,
		registry:    registry,
		metrics:     m,
	}
}

// Create inserts a new job in status queued and co-commits the provider
// submission event. Unknown provider names fail here, before anything is
// written.
func (s *Job) Create(ctx context.Context, job *models.Job) error {
	if _, err := s.registry.Get(job.Provider); err != nil {
		return err
	}

	job.Status = models.JobStatusQueued
	event := &models.OutboxEvent{EventType: models.EventTypeProviderSubmit}
	if err := s.jobRepo.Create(ctx, job, event); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.JobCreated(job.Provider)
	}
	logger.InfoWithFields("Job created", map[string]interface{}{
		"job_id":   job.ID,
		"provider": job.Provider,
	})
	return nil
}

// Get retrieves a job by ID
func (s *Job) Get(ctx context.Context, jobID uint) (*models.Job, error) {
	return s.jobRepo.GetByID(ctx, jobID)
}

// List retrieves jobs with pagination and optional status filtering
func (s *Job) List(ctx context.Context, opts *models.ListOptions) ([]models.Job, error) {
	return s.jobRepo.List(ctx, opts)
}

// Variants retrieves the output variants of a job ordered by rank
func (s *Job) Variants(ctx context.Context, jobID uint) ([]models.Variant, error) {
	return s.variantRepo.ListByJob(ctx, jobID)
}

// Transition moves a job from fromExpected to a new status. The caller's
// expectation is enforced with a compare-and-swap at write time: when two
// callers race, exactly one wins and the loser observes
// ErrInvalidTransition. The status change, progress fields, completion
// writes and the scheduled outbox event commit as one atomic unit.
func (s *Job) Transition(ctx context.Context, jobID uint, fromExpected, to models.JobStatus, effects *TransitionEffects) error {
	if fromExpected.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, fromExpected)
	}
	if !fromExpected.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, fromExpected, to)
	}
	if effects == nil {
		effects = &TransitionEffects{}
	}
	if to == models.JobStatusCompleted && effects.Result == nil {
		return fmt.Errorf("%w: completion requires a provider result", ErrInvalidTransition)
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"progress_stage": effects.Stage,
		"updated_at":     now,
	}
	if updates["progress_stage"] == "" {
		updates["progress_stage"] = to.String()
	}
	if pct, ok := stagePercent[to]; ok {
		if effects.Percent > pct {
			pct = effects.Percent
		}
		updates["progress_percent"] = pct
	}

	var variants []*models.Variant
	switch to {
	case models.JobStatusCompleted:
		// completed_at is written exactly once, here; cost_micros is
		// immutable after this commit.
		updates["completed_at"] = now
		updates["cost_micros"] = effects.Result.CostMicros
		for i, v := range effects.Result.Variants {
			variants = append(variants, &models.Variant{OutputURL: v.URL, Rank: i})
		}
	case models.JobStatusFailed:
		updates["error_code"] = effects.ErrorCode
		updates["error_message"] = effects.ErrorMessage
	}

	event := s.eventForTransition(ctx, job, to, effects)

	err = s.jobRepo.Transition(ctx, jobID, fromExpected, to, updates, variants, event)
	if errors.Is(err, repos.ErrStatusConflict) {
		return s.conflictError(ctx, jobID, fromExpected, to)
	}
	if err != nil {
		return err
	}

	var cost int64
	if effects.Result != nil {
		cost = effects.Result.CostMicros
	}
	s.recordTransition(job, to, now, cost)
	return nil
}

// eventForTransition resolves which outbox event, if any, commits together
// with the status change. Explicit effects win; otherwise terminal
// transitions of webhook-bearing jobs schedule a notification, unless one
// is already in flight.
func (s *Job) eventForTransition(ctx context.Context, job *models.Job, to models.JobStatus, effects *TransitionEffects) *models.OutboxEvent {
	if effects.Effect != nil {
		return &models.OutboxEvent{
			EventType: effects.Effect.EventType,
			Payload:   effects.Effect.Payload,
		}
	}
	if !to.IsTerminal() || job.WebhookURL == "" {
		return nil
	}
	active, err := s.outboxRepo.HasActive(ctx, job.ID, models.EventTypeWebhookNotify)
	if err != nil || active {
		return nil
	}
	return &models.OutboxEvent{EventType: models.EventTypeWebhookNotify}
}

// conflictError re-reads the job to turn a lost compare-and-swap into the
// right caller-facing error.
func (s *Job) conflictError(ctx context.Context, jobID uint, fromExpected, to models.JobStatus) error {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	logger.WarnWithFields("Rejected job transition", map[string]interface{}{
		"job_id":   jobID,
		"expected": fromExpected.String(),
		"actual":   job.Status.String(),
		"target":   to.String(),
	})
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, job.Status)
	}
	return fmt.Errorf("%w: job is %s, expected %s", ErrInvalidTransition, job.Status, fromExpected)
}

func (s *Job) recordTransition(job *models.Job, to models.JobStatus, now time.Time, costMicros int64) {
	if s.metrics == nil || !to.IsTerminal() {
		return
	}
	s.metrics.ObserveJobDuration(job.Provider, to, now.Sub(job.CreatedAt).Seconds())
	if to == models.JobStatusCompleted {
		s.metrics.ObserveJobCost(job.Provider, costMicros)
	}
}

// ForceFail moves a job to failed from whatever non-terminal status it is
// in. Used by the dispatcher when an outbox event exhausts its retries or
// hits a non-retryable failure. Idempotent on already-failed jobs.
func (s *Job) ForceFail(ctx context.Context, jobID uint, errorCode, errorMessage string) error {
	for {
		job, err := s.jobRepo.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusFailed {
			return nil
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, job.Status)
		}

		err = s.Transition(ctx, jobID, job.Status, models.JobStatusFailed, &TransitionEffects{
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
		})
		if errors.Is(err, ErrInvalidTransition) {
			// Lost a race; re-read and try again from the new status.
			continue
		}
		return err
	}
}

// Cancel moves a job to canceled from any non-terminal state and sends a
// best-effort cancel hint to the provider. Cancellation is cooperative: an
// in-flight delivery for this job later treats its own success as a no-op.
func (s *Job) Cancel(ctx context.Context, jobID uint) error {
	for {
		job, err := s.jobRepo.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusCanceled {
			return nil
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminalState, job.Status)
		}

		err = s.Transition(ctx, jobID, job.Status, models.JobStatusCanceled, nil)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}

		s.cancelAtProvider(ctx, job)
		return nil
	}
}

func (s *Job) cancelAtProvider(ctx context.Context, job *models.Job) {
	if job.ProviderJobID == "" {
		return
	}
	gateway, err := s.registry.Get(job.Provider)
	if err != nil {
		return
	}
	canceler, ok := gateway.(provider.Canceler)
	if !ok {
		return
	}
	if err := canceler.Cancel(ctx, job.ProviderJobID); err != nil {
		logger.WarnWithFields("Provider cancel hint failed", map[string]interface{}{
			"job_id":          job.ID,
			"provider":        job.Provider,
			"provider_job_id": job.ProviderJobID,
			"error":           err.Error(),
		})
	}
}

// UpdateProgress records a progress report for a running job. Percentages
// are monotonic non-decreasing; stale reports are dropped.
func (s *Job) UpdateProgress(ctx context.Context, jobID uint, stage string, percent int) error {
	return s.jobRepo.UpdateProgress(ctx, jobID, stage, percent)
}

// SetProviderJobID records the provider-side identifier after submission.
func (s *Job) SetProviderJobID(ctx context.Context, jobID uint, providerJobID string) error {
	return s.jobRepo.UpdateProviderJobID(ctx, jobID, providerJobID)
}

// RefreshActiveGauge recomputes the active-jobs-by-status gauge.
func (s *Job) RefreshActiveGauge(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	counts, err := s.jobRepo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range models.JobStatuses() {
		s.metrics.SetActiveJobs(status, counts[status])
	}
	return nil
}
