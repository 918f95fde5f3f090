package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/pkg/errors"
)

// ScheduleHandler serves cron-schedule CRUD
type ScheduleHandler struct {
	schedules   ports.ScheduleStore
	definitions *services.DefinitionService
}

// NewScheduleHandler creates a new ScheduleHandler
func NewScheduleHandler(schedules ports.ScheduleStore, definitions *services.DefinitionService) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, definitions: definitions}
}

// List handles GET /api/schedules
func (h *ScheduleHandler) List(c *gin.Context) {
	HandleGetEnvelope(c, "schedules", func() (interface{}, error) {
		return h.schedules.List(c.Request.Context(), c.Query("enabled") == "true")
	})
}

// Get handles GET /api/schedules/:id
func (h *ScheduleHandler) Get(c *gin.Context) {
	HandleGetEnvelope(c, "schedule", func() (interface{}, error) {
		return h.schedules.Get(c.Request.Context(), c.Param("id"))
	})
}

// Create handles POST /api/schedules
func (h *ScheduleHandler) Create(c *gin.Context) {
	var sched models.WorkflowSchedule
	if !BindJSON(c, &sched) {
		return
	}
	HandleMutationEnvelope(c, http.StatusCreated, "schedule", "Schedule created", func() (interface{}, error) {
		if err := h.validate(c, &sched); err != nil {
			return nil, err
		}
		sched.IsEnabled = true
		if err := h.schedules.Create(c.Request.Context(), &sched); err != nil {
			return nil, err
		}
		return &sched, nil
	})
}

// Update handles PUT /api/schedules/:id
func (h *ScheduleHandler) Update(c *gin.Context) {
	var body models.WorkflowSchedule
	if !BindJSON(c, &body) {
		return
	}
	HandleMutationEnvelope(c, http.StatusOK, "schedule", "Schedule updated", func() (interface{}, error) {
		sched, err := h.schedules.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			return nil, err
		}
		body.ID = sched.ID
		body.CreatedDate = sched.CreatedDate
		if err := h.validate(c, &body); err != nil {
			return nil, err
		}
		// Cron or timezone changes take effect on the next scan
		if body.CronExpression != sched.CronExpression || body.Timezone != sched.Timezone {
			body.NextTriggerAt = nil
		}
		if err := h.schedules.Update(c.Request.Context(), &body); err != nil {
			return nil, err
		}
		return &body, nil
	})
}

// Delete handles DELETE /api/schedules/:id
func (h *ScheduleHandler) Delete(c *gin.Context) {
	HandleDeleteEnvelope(c, "Schedule deleted", func() error {
		return h.schedules.Delete(c.Request.Context(), c.Param("id"))
	})
}

func (h *ScheduleHandler) validate(c *gin.Context, sched *models.WorkflowSchedule) error {
	if sched.DefinitionID == "" {
		return errors.NewValidationError("definition_id", "definition_id is required")
	}
	if err := services.ValidateCronExpression(sched.CronExpression); err != nil {
		return errors.NewValidationError("cron_expression", err.Error())
	}
	def, err := h.definitions.Get(c.Request.Context(), sched.DefinitionID)
	if err != nil {
		return err
	}
	if def.TriggerType != models.TriggerTypeScheduled {
		return errors.NewValidationError("definition_id", "definition does not have a Scheduled trigger")
	}
	return nil
}
