package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"insightloop/internal/models"
	"insightloop/internal/services"
)

// SessionHandler fronts the SessionManager over the local HTTP API. The
// paths mirror the remote service's shapes so the client UI talks to the
// companion exactly as it would to the remote.
type SessionHandler struct {
	manager *services.SessionManager
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(manager *services.SessionManager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// List returns the union of local and remote sessions, newest first
// GET /api/research/sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions, err := h.manager.GetAllSessions(c.Context())
	if err != nil {
		log.Printf("❌ Failed to list sessions: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}
	return c.JSON(sessions)
}

// Create allocates a new session from partial data
// POST /api/research/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req models.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	session, err := h.manager.CreateSession(c.Context(), &req)
	if err != nil {
		log.Printf("❌ Failed to create session: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

// Get returns one session by id
// GET /api/research/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	session, err := h.manager.GetSession(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		log.Printf("❌ Failed to get session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}

	return c.JSON(session)
}

// Save persists a caller-supplied session. The response always carries the
// sync status; a deferred remote write is success from the caller's side.
// PUT /api/research/sessions/:id
func (h *SessionHandler) Save(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	var session models.Session
	if err := c.BodyParser(&session); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	session.SessionID = id

	saved, err := h.manager.SaveSession(c.Context(), &session)
	if err != nil {
		log.Printf("❌ Failed to save session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save session",
		})
	}

	return c.JSON(saved)
}

// AddMessage appends one message and funnels it through the save path
// POST /api/research/sessions/:id/messages
func (h *SessionHandler) AddMessage(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	var req models.AddMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Role != models.RoleUser && req.Role != models.RoleAssistant {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Role must be user or assistant",
		})
	}

	session, err := h.manager.GetSession(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		log.Printf("❌ Failed to get session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}

	session.Messages = append(session.Messages, models.NewMessage(req.Role, req.Content, req.Metadata))
	saved, err := h.manager.SaveSession(c.Context(), session)
	if err != nil {
		log.Printf("❌ Failed to save session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save session",
		})
	}

	return c.JSON(saved)
}

// Delete removes a session everywhere; deleting an unknown id succeeds
// DELETE /api/research/sessions/:id
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	if err := h.manager.DeleteSession(c.Context(), id); err != nil {
		log.Printf("❌ Failed to delete session %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete session",
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Sync triggers a manual queue drain
// POST /api/research/sync
func (h *SessionHandler) Sync(c *fiber.Ctx) error {
	summary := h.manager.SyncPendingSessions(c.Context())
	return c.JSON(summary)
}

// Status reports the synchronizer's current posture
// GET /api/research/sync/status
func (h *SessionHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.manager.SyncState())
}
