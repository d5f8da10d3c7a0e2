package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"insightloop/internal/connectivity"
	"insightloop/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	manager *services.SessionManager
	monitor connectivity.Monitor
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *services.SessionManager, monitor connectivity.Monitor) *HealthHandler {
	return &HealthHandler{manager: manager, monitor: monitor}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "healthy",
		"online":     h.monitor.Online(),
		"queueDepth": h.manager.Queue().Len(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}
