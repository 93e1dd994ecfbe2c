// Package routes wires the v1 API routes.
package routes

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/lucentlabs/lucent/internal/api/v1/handlers"
)

// SetupRoutes configures all the v1 routes
func SetupRoutes(router fiber.Router, h *handlers.APIHandler) {
	jobs := router.Group("/jobs")
	jobs.Get("/", h.ListJobs)
	jobs.Get("/:id", h.GetJob)
	jobs.Post("/:id/cancel", h.CancelJob)
	jobs.Post("/:id/callback", h.JobCallback)
}

// Register registers the v1 routes
func Register(app *fiber.App, h *handlers.APIHandler) {
	v1Group := app.Group("/api/v1")
	SetupRoutes(v1Group, h)
}
