package handlers

import (
	"errors"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/provider"
	"github.com/lucentlabs/lucent/internal/services"
)

// Callback signature headers
const (
	HeaderTimestamp = "x-timestamp"
	HeaderSignature = "x-signature"
)

// callbackRequest is the body pushed by the external workflow driving the
// provider. Output URLs arrive in one of three historical shapes; the
// first non-empty one wins.
type callbackRequest struct {
	Status           string   `json:"status"`
	Progress         *int     `json:"progress,omitempty"`
	Stage            string   `json:"stage,omitempty"`
	URLs             []string `json:"urls,omitempty"`
	EnhancedImageURL string   `json:"enhancedImageUrl,omitempty"`
	Variants         []struct {
		URL string `json:"url"`
	} `json:"variants,omitempty"`
	CostMicros   int64  `json:"cost_micros,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

func (r *callbackRequest) outputURLs() []string {
	switch {
	case len(r.URLs) > 0:
		return r.URLs
	case len(r.Variants) > 0:
		urls := make([]string, len(r.Variants))
		for i, v := range r.Variants {
			urls[i] = v.URL
		}
		return urls
	case r.EnhancedImageURL != "":
		return []string{r.EnhancedImageURL}
	default:
		return nil
	}
}

// JobCallback handles inbound completion notifications from the provider
// side. The request is authenticated before the body is even parsed;
// rejected requests mutate nothing. A valid callback is translated into a
// state machine transition using the job's actual current status as the
// expectation, so an illegal claim surfaces as 409 rather than forcing an
// inconsistent state.
func (h *APIHandler) JobCallback(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgInvalidJobID})
	}

	timestamp := c.Get(HeaderTimestamp)
	sig := c.Get(HeaderSignature)
	if timestamp == "" || sig == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": ErrMsgSignatureRequired})
	}
	if err := h.verifier.Verify(timestamp, sig, c.Body()); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgInvalidReqBody})
	}

	target, err := models.ParseJobStatus(req.Status)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ErrMsgJobStatusInvalid})
	}

	job, err := h.jobService.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ErrMsgJobNotFound})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgCallbackFailed})
	}

	// A same-status callback is a pure progress report.
	if target == job.Status {
		if req.Progress != nil {
			stage := req.Stage
			if stage == "" {
				stage = job.Status.String()
			}
			if err := h.jobService.UpdateProgress(c.Context(), jobID, stage, *req.Progress); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgCallbackFailed})
			}
		}
		return c.JSON(fiber.Map{"status": job.Status})
	}

	effects := &services.TransitionEffects{Stage: req.Stage}
	if req.Progress != nil {
		effects.Percent = *req.Progress
	}
	switch target {
	case models.JobStatusCompleted:
		result := &provider.Result{CostMicros: req.CostMicros}
		for _, url := range req.outputURLs() {
			result.Variants = append(result.Variants, provider.VariantResult{URL: url})
		}
		effects.Result = result
	case models.JobStatusFailed:
		effects.ErrorCode = req.ErrorCode
		if effects.ErrorCode == "" {
			effects.ErrorCode = models.ErrorCodeProviderFailed
		}
		effects.ErrorMessage = req.ErrorMessage
	}

	err = h.jobService.Transition(c.Context(), jobID, job.Status, target, effects)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"status": target})
	case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrTerminalState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrMsgIllegalTransition})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ErrMsgCallbackFailed})
	}
}
