package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/internal/hub"
	"github.com/multisession-gateway/backend/internal/session"
)

// HealthHandler reports gateway liveness and persistence status.
type HealthHandler struct {
	registry    *session.Registry
	coordinator *session.Coordinator
	hub         *hub.Hub
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(registry *session.Registry, coordinator *session.Coordinator, h *hub.Hub) *HealthHandler {
	return &HealthHandler{
		registry:    registry,
		coordinator: coordinator,
		hub:         h,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Sessions    int            `json:"sessions"`
	Subscribers int            `json:"subscribers"`
	Persistence session.Health `json:"persistence"`
}

// Health handles GET /health. A degraded status store is reported but
// does not make the gateway unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	persistence := h.coordinator.Health()

	status := "ok"
	if persistence.Degraded {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:      status,
		Sessions:    h.registry.Count(),
		Subscribers: h.hub.Count(),
		Persistence: persistence,
	})
}
