package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
	"github.com/pulsecrm/engine/internal/domain/ports"
)

// InstanceHandler serves instance lifecycle and monitoring endpoints
type InstanceHandler struct {
	engine  *services.EngineService
	monitor *services.MonitorService
}

// NewInstanceHandler creates a new InstanceHandler
func NewInstanceHandler(engine *services.EngineService, monitor *services.MonitorService) *InstanceHandler {
	return &InstanceHandler{engine: engine, monitor: monitor}
}

// StartRequest is the manual-trigger payload
type StartRequest struct {
	EntityType     string                 `json:"entity_type" binding:"required"`
	EntityID       string                 `json:"entity_id" binding:"required"`
	InitialContext map[string]interface{} `json:"initial_context,omitempty"`
}

// Start handles POST /api/workflows/:id/instances
func (h *InstanceHandler) Start(c *gin.Context) {
	var req StartRequest
	if !BindJSON(c, &req) {
		return
	}
	definitionID, ok := PathID(c)
	if !ok {
		return
	}
	HandleMutationEnvelope(c, http.StatusCreated, "instance", "Workflow started", func() (interface{}, error) {
		return h.engine.StartInstance(c.Request.Context(), services.StartOptions{
			DefinitionID:   definitionID,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			InitialContext: req.InitialContext,
			StartedByID:    ActorID(c),
		})
	})
}

// List handles GET /api/instances with filter query params
func (h *InstanceHandler) List(c *gin.Context) {
	filter := ports.InstanceFilter{
		DefinitionID: c.Query("workflow_id"),
		EntityType:   c.Query("entity_type"),
		EntityID:     c.Query("entity_id"),
		Status:       c.Query("status"),
		Limit:        intQuery(c, "limit"),
	}
	HandleGetEnvelope(c, "instances", func() (interface{}, error) {
		return h.monitor.ListInstances(c.Request.Context(), filter)
	})
}

// Get handles GET /api/instances/:id (full detail)
func (h *InstanceHandler) Get(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleGetEnvelope(c, "instance", func() (interface{}, error) {
		return h.monitor.GetInstanceDetail(c.Request.Context(), id)
	})
}

// GetEvents handles GET /api/instances/:id/events
func (h *InstanceHandler) GetEvents(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleGetEnvelope(c, "events", func() (interface{}, error) {
		return h.monitor.GetEvents(c.Request.Context(), id)
	})
}

// Replay handles GET /api/instances/:id/replay
func (h *InstanceHandler) Replay(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleGetEnvelope(c, "replay", func() (interface{}, error) {
		return h.monitor.Replay(c.Request.Context(), id)
	})
}

// Cancel handles POST /api/instances/:id/cancel
func (h *InstanceHandler) Cancel(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleDeleteEnvelope(c, "Instance cancelled", func() error {
		return h.engine.CancelInstance(c.Request.Context(), id, h.actor(c))
	})
}

// Pause handles POST /api/instances/:id/pause
func (h *InstanceHandler) Pause(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleDeleteEnvelope(c, "Instance paused", func() error {
		return h.engine.PauseInstance(c.Request.Context(), id, h.actor(c))
	})
}

// Resume handles POST /api/instances/:id/resume
func (h *InstanceHandler) Resume(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleDeleteEnvelope(c, "Instance resumed", func() error {
		return h.engine.ResumeInstance(c.Request.Context(), id, h.actor(c))
	})
}

// Retry handles POST /api/instances/:id/retry
func (h *InstanceHandler) Retry(c *gin.Context) {
	id, ok := PathID(c)
	if !ok {
		return
	}
	HandleDeleteEnvelope(c, "Instance retry scheduled", func() error {
		return h.engine.RetryInstance(c.Request.Context(), id, h.actor(c))
	})
}

func (h *InstanceHandler) actor(c *gin.Context) string {
	if user := GetUserFromContext(c); user != nil {
		return user.ID
	}
	return services.SystemActor
}

// EventIngressRequest is an entity-change notification from the CRM
type EventIngressRequest struct {
	EntityType string                 `json:"entity_type" binding:"required"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	EventName  string                 `json:"event_name" binding:"required"`
	EntityData map[string]interface{} `json:"entity_data,omitempty"`
}

// IngestEvent handles POST /api/events. Matching Published definitions each
// get an async trigger-condition evaluation; the response reports how many.
func (h *InstanceHandler) IngestEvent(c *gin.Context) {
	var req EventIngressRequest
	if !BindJSON(c, &req) {
		return
	}
	actor := h.actor(c)
	matched, err := h.engine.HandleEntityEvent(c.Request.Context(), req.EntityType, req.EntityID, req.EventName, req.EntityData, actor)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Event accepted",
		"matched": matched,
	})
}

func intQuery(c *gin.Context, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
