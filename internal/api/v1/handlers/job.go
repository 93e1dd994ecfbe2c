package handlers

import (
	"errors"
	"strconv"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/services"
)

// jobResponse is the readback shape for a job and its variants.
type jobResponse struct {
	Job      models.Job       `json:"job"`
	Variants []models.Variant `json:"variants,omitempty"`
}

func parseJobID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New(ErrMsgInvalidJobID)
	}
	return uint(id), nil
}

// GetJob handles retrieving a job with its variants
func (h *APIHandler) GetJob(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgInvalidJobID})
	}

	job, err := h.jobService.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ErrMsgJobNotFound})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgJobGetFailed})
	}

	variants, err := h.jobService.Variants(c.Context(), jobID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgJobGetFailed})
	}

	return c.JSON(jobResponse{Job: *job, Variants: variants})
}

// ListJobs handles listing jobs with optional status filtering
func (h *APIHandler) ListJobs(c *fiber.Ctx) error {
	opts := &models.ListOptions{
		Limit:  c.QueryInt("limit", models.DefaultLimit),
		Offset: c.QueryInt("offset", 0),
	}
	if statusStr := c.Query("status"); statusStr != "" {
		status, err := models.ParseJobStatus(statusStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgJobStatusInvalid})
		}
		opts.Status = &status
	}

	jobs, err := h.jobService.List(c.Context(), opts)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgJobListFailed})
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

// CancelJob handles canceling a job
func (h *APIHandler) CancelJob(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgInvalidJobID})
	}

	err = h.jobService.Cancel(c.Context(), jobID)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"status": models.JobStatusCanceled})
	case errors.Is(err, repos.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ErrMsgJobNotFound})
	case errors.Is(err, services.ErrTerminalState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrMsgIllegalTransition})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgJobCancelFailed})
	}
}
