package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/cluster"
	"github.com/mirrornode/edgenode/internal/models"
)

// Health handles health check requests
func (h *Handler) Health(c *fiber.Ctx) error {
	resp := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   h.version,
		Files:     h.index.Len(),
	}

	if h.status != nil {
		st := h.status.Status()
		resp.Channel = st.Channel.String()
		resp.Registration = st.Registration.String()
		if st.Registration != cluster.RegistrationEnabled {
			resp.Status = "unregistered"
		}
	}

	return c.JSON(resp)
}

// NotFound handles 404 errors
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "Route not found",
			Path:    c.Path(),
		},
	})
}
