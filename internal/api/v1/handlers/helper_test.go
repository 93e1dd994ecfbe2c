package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/provider"
	"github.com/lucentlabs/lucent/internal/services"
	"github.com/lucentlabs/lucent/internal/signature"
)

// APIHandlerTestSuite exercises the handlers through a fiber app backed by
// an in-memory database.
type APIHandlerTestSuite struct {
	suite.Suite
	ctx        context.Context
	db         *gorm.DB
	app        *fiber.App
	jobService *services.Job
	verifier   *signature.Verifier
	mock       *provider.Mock
}

func (s *APIHandlerTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_json=1"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")
	require.NoError(s.T(), db.AutoMigrate(&models.Job{}, &models.OutboxEvent{}, &models.Variant{}))

	s.db = db
	s.ctx = context.Background()
	s.mock = provider.NewMock()
	s.jobService = services.NewJobService(
		repos.NewJobRepository(db),
		repos.NewOutboxRepository(db),
		repos.NewVariantRepository(db),
		provider.NewRegistry(s.mock),
		nil,
	)
	s.verifier = signature.NewVerifier("test-secret", 0)

	handler := NewAPIHandler(s.jobService, s.verifier)
	s.app = fiber.New()
	jobs := s.app.Group("/api/v1/jobs")
	jobs.Get("/", handler.ListJobs)
	jobs.Get("/:id", handler.GetJob)
	jobs.Post("/:id/cancel", handler.CancelJob)
	jobs.Post("/:id/callback", handler.JobCallback)
}

func (s *APIHandlerTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *APIHandlerTestSuite) createTestJob() *models.Job {
	job := &models.Job{
		Provider: provider.MockName,
		InputRef: "https://cdn.example.com/inputs/original.png",
	}
	s.Require().NoError(s.jobService.Create(s.ctx, job))
	return job
}

// marchTo walks a job along a legal path from queued to the given status.
func (s *APIHandlerTestSuite) marchTo(jobID uint, target models.JobStatus) {
	path := []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRendering,
		models.JobStatusPostprocessing,
		models.JobStatusUploading,
	}
	for i := 0; i+1 < len(path); i++ {
		if path[i] == target {
			return
		}
		s.Require().NoError(s.jobService.Transition(s.ctx, jobID, path[i], path[i+1], nil))
		if path[i+1] == target {
			return
		}
	}
}

func (s *APIHandlerTestSuite) request(method, url string, payload interface{}) *http.Request {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		s.Require().NoError(err)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// signedCallback builds a callback request carrying a valid signature over
// the current timestamp and body.
func (s *APIHandlerTestSuite) signedCallback(url string, payload interface{}) *http.Request {
	body, err := json.Marshal(payload)
	s.Require().NoError(err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, s.verifier.Sign(ts, body))
	return req
}

func (s *APIHandlerTestSuite) do(req *http.Request) *http.Response {
	resp, err := s.app.Test(req, -1)
	s.Require().NoError(err)
	return resp
}

func (s *APIHandlerTestSuite) decode(resp *http.Response, out interface{}) {
	defer func() { _ = resp.Body.Close() }()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
}

func TestAPIHandler(t *testing.T) {
	suite.Run(t, new(APIHandlerTestSuite))
}
