package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lucentlabs/lucent/internal/db/models"
)

type CallbackTestSuite struct {
	APIHandlerTestSuite
}

func callbackURL(jobID uint) string {
	return fmt.Sprintf("/api/v1/jobs/%d/callback", jobID)
}

func (s *CallbackTestSuite) TestCallbackRequiresSignatureHeaders() {
	job := s.createTestJob()

	resp := s.do(s.request(http.MethodPost, callbackURL(job.ID), map[string]string{"status": "rendering"}))
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)

	// Nothing was applied.
	unchanged, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusQueued, unchanged.Status)
}

func (s *CallbackTestSuite) TestCallbackRejectsBadSignature() {
	job := s.createTestJob()

	body, err := json.Marshal(map[string]string{"status": "rendering"})
	s.Require().NoError(err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, callbackURL(job.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "deadbeef")

	resp := s.do(req)
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *CallbackTestSuite) TestCallbackRejectsStaleTimestamp() {
	job := s.createTestJob()

	body, err := json.Marshal(map[string]string{"status": "rendering"})
	s.Require().NoError(err)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	// Correctly signed but outside the freshness window.
	req := httptest.NewRequest(http.MethodPost, callbackURL(job.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, s.verifier.Sign(ts, body))

	resp := s.do(req)
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *CallbackTestSuite) TestCallbackAdvancesStatus() {
	job := s.createTestJob()
	s.marchTo(job.ID, models.JobStatusRendering)

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status": "postprocessing",
	}))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	updated, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusPostprocessing, updated.Status)
}

func (s *CallbackTestSuite) TestCallbackSameStatusIsProgressReport() {
	job := s.createTestJob()
	s.marchTo(job.ID, models.JobStatusRendering)

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status":   "rendering",
		"progress": 55,
		"stage":    "upscaling",
	}))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	updated, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusRendering, updated.Status)
	s.Require().Equal(55, updated.ProgressPercent)
	s.Require().Equal("upscaling", updated.ProgressStage)
}

func (s *CallbackTestSuite) TestCallbackCompletesJob() {
	job := s.createTestJob()
	s.marchTo(job.ID, models.JobStatusUploading)

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status":      "completed",
		"urls":        []string{"https://cdn.example.com/outputs/a.png", "https://cdn.example.com/outputs/b.png"},
		"cost_micros": 3000,
	}))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	completed, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusCompleted, completed.Status)
	s.Require().Equal(int64(3000), completed.CostMicros)
	s.Require().NotNil(completed.CompletedAt)

	variants, err := s.jobService.Variants(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(variants, 2)
	s.Require().Equal("https://cdn.example.com/outputs/a.png", variants[0].OutputURL)
}

func (s *CallbackTestSuite) TestCallbackAcceptsLegacyURLShape() {
	job := s.createTestJob()
	s.marchTo(job.ID, models.JobStatusUploading)

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status":           "completed",
		"enhancedImageUrl": "https://cdn.example.com/outputs/only.png",
	}))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	variants, err := s.jobService.Variants(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(variants, 1)
	s.Require().Equal("https://cdn.example.com/outputs/only.png", variants[0].OutputURL)
}

func (s *CallbackTestSuite) TestCallbackFailsJob() {
	job := s.createTestJob()
	s.marchTo(job.ID, models.JobStatusRendering)

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status":       "failed",
		"errorMessage": "face detection found no subject",
	}))
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	failed, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusFailed, failed.Status)
	s.Require().Equal(models.ErrorCodeProviderFailed, failed.ErrorCode)
	s.Require().Equal("face detection found no subject", failed.ErrorMessage)
}

func (s *CallbackTestSuite) TestCallbackRejectsIllegalTransition() {
	job := s.createTestJob()

	// A completion claim straight from queued skips the pipeline.
	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status": "completed",
		"urls":   []string{"https://cdn.example.com/outputs/a.png"},
	}))
	s.Require().Equal(http.StatusConflict, resp.StatusCode)

	unchanged, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusQueued, unchanged.Status)
}

func (s *CallbackTestSuite) TestCallbackRejectsTerminalJob() {
	job := s.createTestJob()
	s.Require().NoError(s.jobService.Cancel(s.ctx, job.ID))

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status": "rendering",
	}))
	s.Require().Equal(http.StatusConflict, resp.StatusCode)

	unchanged, err := s.jobService.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.JobStatusCanceled, unchanged.Status)
}

func (s *CallbackTestSuite) TestCallbackRejectsUnknownStatus() {
	job := s.createTestJob()

	resp := s.do(s.signedCallback(callbackURL(job.ID), map[string]interface{}{
		"status": "exploded",
	}))
	s.Require().Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *CallbackTestSuite) TestCallbackUnknownJob() {
	resp := s.do(s.signedCallback(callbackURL(999), map[string]interface{}{
		"status": "rendering",
	}))
	s.Require().Equal(http.StatusNotFound, resp.StatusCode)
}

func TestCallbackHandler(t *testing.T) {
	suite.Run(t, new(CallbackTestSuite))
}
