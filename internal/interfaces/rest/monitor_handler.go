package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
)

// MonitorHandler serves queue-level operator views
type MonitorHandler struct {
	monitor *services.MonitorService
}

// NewMonitorHandler creates a new MonitorHandler
func NewMonitorHandler(monitor *services.MonitorService) *MonitorHandler {
	return &MonitorHandler{monitor: monitor}
}

// DeadLetters handles GET /api/jobs/dead-letters
func (h *MonitorHandler) DeadLetters(c *gin.Context) {
	HandleGetEnvelope(c, "jobs", func() (interface{}, error) {
		return h.monitor.ListDeadLetters(c.Request.Context(), intQuery(c, "limit"))
	})
}

// GetJob handles GET /api/jobs/:id
func (h *MonitorHandler) GetJob(c *gin.Context) {
	HandleGetEnvelope(c, "job", func() (interface{}, error) {
		return h.monitor.GetJob(c.Request.Context(), c.Param("id"))
	})
}
