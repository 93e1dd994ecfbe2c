package services

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/provider"
)

type JobServiceTestSuite struct {
	ServiceTestSuite
}

func (s *JobServiceTestSuite) TestCreateSchedulesSubmission() {
	job := s.createTestJob("")

	created := s.getJob(job.ID)
	s.Require().Equal(models.JobStatusQueued, created.Status)

	events := s.jobEvents(job.ID)
	s.Require().Len(events, 1)
	s.Require().Equal(models.EventTypeProviderSubmit, events[0].EventType)
	s.Require().Equal(models.OutboxStatusPending, events[0].Status)

	s.Require().Equal(float64(1), s.metricValue("lucent_jobs_created_total", map[string]string{"provider": provider.MockName}))
}

func (s *JobServiceTestSuite) TestCreateRejectsUnknownProvider() {
	job := &models.Job{
		Provider: "nonexistent",
		InputRef: "https://cdn.example.com/inputs/original.png",
	}
	err := s.jobService.Create(s.ctx, job)
	s.Require().ErrorIs(err, provider.ErrUnknownProvider)

	// Nothing was written.
	jobs, err := s.jobRepo.List(s.ctx, &models.ListOptions{Limit: 10})
	s.Require().NoError(err)
	s.Require().Empty(jobs)
}

func (s *JobServiceTestSuite) TestTransitionRejectsIllegalEdge() {
	job := s.createTestJob("")

	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusUploading, nil)
	s.Require().ErrorIs(err, ErrInvalidTransition)

	s.Require().Equal(models.JobStatusQueued, s.getJob(job.ID).Status)
}

func (s *JobServiceTestSuite) TestTransitionFromTerminalState() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))

	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusCanceled, models.JobStatusQueued, nil)
	s.Require().ErrorIs(err, ErrTerminalState)
}

func (s *JobServiceTestSuite) TestCompletionRequiresResult() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusRendering, models.JobStatusPostprocessing, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusPostprocessing, models.JobStatusUploading, nil))

	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusUploading, models.JobStatusCompleted, nil)
	s.Require().ErrorIs(err, ErrInvalidTransition)

	s.Require().Equal(models.JobStatusUploading, s.getJob(job.ID).Status)
}

func (s *JobServiceTestSuite) TestCompletionWritesResultAtomically() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusRendering, models.JobStatusPostprocessing, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusPostprocessing, models.JobStatusUploading, nil))

	result := &provider.Result{
		CostMicros: 2500,
		Variants: []provider.VariantResult{
			{URL: "https://cdn.example.com/outputs/a.png"},
			{URL: "https://cdn.example.com/outputs/b.png"},
		},
	}
	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusUploading, models.JobStatusCompleted, &TransitionEffects{Result: result})
	s.Require().NoError(err)

	completed := s.getJob(job.ID)
	s.Require().Equal(models.JobStatusCompleted, completed.Status)
	s.Require().Equal(int64(2500), completed.CostMicros)
	s.Require().Equal(100, completed.ProgressPercent)
	s.Require().NotNil(completed.CompletedAt)

	variants, err := s.jobService.Variants(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(variants, 2)
	s.Require().Equal(0, variants[0].Rank)
	s.Require().Equal("https://cdn.example.com/outputs/a.png", variants[0].OutputURL)
	s.Require().Equal(1, variants[1].Rank)
	s.Require().Equal("https://cdn.example.com/outputs/b.png", variants[1].OutputURL)
}

func (s *JobServiceTestSuite) TestRacingTransitionsHaveOneWinner() {
	job := s.createTestJob("")

	// First caller wins the swap.
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil))

	// Second caller holds a stale expectation and loses.
	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusDownloading, nil)
	s.Require().ErrorIs(err, ErrInvalidTransition)

	s.Require().Equal(models.JobStatusRendering, s.getJob(job.ID).Status)
}

func (s *JobServiceTestSuite) TestTransitionSetsStageDefaults() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil))

	updated := s.getJob(job.ID)
	s.Require().Equal("rendering", updated.ProgressStage)
	s.Require().Equal(20, updated.ProgressPercent)

	// An explicit stage label and higher percentage win.
	err := s.jobService.Transition(s.ctx, job.ID, models.JobStatusRendering, models.JobStatusPostprocessing, &TransitionEffects{
		Stage:   "color-grading",
		Percent: 92,
	})
	s.Require().NoError(err)

	updated = s.getJob(job.ID)
	s.Require().Equal("color-grading", updated.ProgressStage)
	s.Require().Equal(92, updated.ProgressPercent)
}

func (s *JobServiceTestSuite) TestCancelIsIdempotent() {
	job := s.createTestJob("")

	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))
	s.Require().Equal(models.JobStatusCanceled, s.getJob(job.ID).Status)

	// Canceling a canceled job is a no-op.
	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))
}

func (s *JobServiceTestSuite) TestCancelRejectsCompletedJob() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusQueued, models.JobStatusRendering, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusRendering, models.JobStatusPostprocessing, nil))
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusPostprocessing, models.JobStatusUploading, nil))
	result := &provider.Result{Variants: []provider.VariantResult{{URL: "https://cdn.example.com/outputs/a.png"}}}
	s.Require().NoError(s.jobService.Transition(s.ctx, job.ID, models.JobStatusUploading, models.JobStatusCompleted, &TransitionEffects{Result: result}))

	err := s.jobService.Cancel(s.ctx, job.ID)
	s.Require().ErrorIs(err, ErrTerminalState)
	s.Require().Equal(models.JobStatusCompleted, s.getJob(job.ID).Status)
}

func (s *JobServiceTestSuite) TestCancelSendsProviderHint() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.SetProviderJobID(s.ctx, job.ID, "mock-42"))

	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))
	s.Require().Equal([]string{"mock-42"}, s.mock.Canceled())
}

func (s *JobServiceTestSuite) TestForceFail() {
	job := s.createTestJob("")

	err := s.jobService.ForceFail(s.ctx, job.ID, models.ErrorCodeRetriesExhausted, "provider timeout")
	s.Require().NoError(err)

	failed := s.getJob(job.ID)
	s.Require().Equal(models.JobStatusFailed, failed.Status)
	s.Require().Equal(models.ErrorCodeRetriesExhausted, failed.ErrorCode)
	s.Require().Equal("provider timeout", failed.ErrorMessage)

	// Failing a failed job is a no-op.
	s.Require().NoError(s.jobService.ForceFail(s.ctx, job.ID, "other_code", "other message"))
	s.Require().Equal(models.ErrorCodeRetriesExhausted, s.getJob(job.ID).ErrorCode)
}

func (s *JobServiceTestSuite) TestForceFailRejectsCanceledJob() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))

	err := s.jobService.ForceFail(s.ctx, job.ID, models.ErrorCodeRetriesExhausted, "too late")
	s.Require().ErrorIs(err, ErrTerminalState)
	s.Require().Equal(models.JobStatusCanceled, s.getJob(job.ID).Status)
}

func (s *JobServiceTestSuite) TestTerminalTransitionSchedulesWebhook() {
	job := s.createTestJob("https://example.com/hook")

	s.Require().NoError(s.jobService.ForceFail(s.ctx, job.ID, models.ErrorCodeProviderRejected, "rejected"))

	var notifications int
	for _, event := range s.jobEvents(job.ID) {
		if event.EventType == models.EventTypeWebhookNotify {
			notifications++
			s.Require().Equal(models.OutboxStatusPending, event.Status)
		}
	}
	s.Require().Equal(1, notifications)
}

func (s *JobServiceTestSuite) TestNoWebhookScheduledWithoutURL() {
	job := s.createTestJob("")
	s.Require().NoError(s.jobService.ForceFail(s.ctx, job.ID, models.ErrorCodeProviderRejected, "rejected"))

	for _, event := range s.jobEvents(job.ID) {
		s.Require().NotEqual(models.EventTypeWebhookNotify, event.EventType)
	}
}

func (s *JobServiceTestSuite) TestRefreshActiveGauge() {
	s.createTestJob("")
	s.createTestJob("")
	canceled := s.createTestJob("")
	s.Require().NoError(s.jobService.Cancel(s.ctx, canceled.ID))

	s.Require().NoError(s.jobService.RefreshActiveGauge(s.ctx))

	s.Require().Equal(float64(2), s.metricValue("lucent_jobs_active", map[string]string{"status": "queued"}))
	s.Require().Equal(float64(1), s.metricValue("lucent_jobs_active", map[string]string{"status": "canceled"}))
	s.Require().Equal(float64(0), s.metricValue("lucent_jobs_active", map[string]string{"status": "rendering"}))
}

func TestJobService(t *testing.T) {
	suite.Run(t, new(JobServiceTestSuite))
}
