package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
	"github.com/pulsecrm/engine/pkg/errors"
)

// TaskHandler serves the human-task inbox
type TaskHandler struct {
	tasks *services.TaskService
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks *services.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// MyTasks handles GET /api/tasks (the caller's open tasks)
func (h *TaskHandler) MyTasks(c *gin.Context) {
	user := GetUserFromContext(c)
	if user == nil {
		RespondAppError(c, errors.NewValidationError("user", "no authenticated user"))
		return
	}
	HandleGetEnvelope(c, "tasks", func() (interface{}, error) {
		return h.tasks.GetMyTasks(c.Request.Context(), user.ID, intQuery(c, "limit"))
	})
}

// Get handles GET /api/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	HandleGetEnvelope(c, "task", func() (interface{}, error) {
		return h.tasks.Get(c.Request.Context(), c.Param("id"))
	})
}

// Claim handles POST /api/tasks/:id/claim
func (h *TaskHandler) Claim(c *gin.Context) {
	user := GetUserFromContext(c)
	if user == nil {
		RespondAppError(c, errors.NewValidationError("user", "no authenticated user"))
		return
	}
	HandleMutationEnvelope(c, http.StatusOK, "task", "Task claimed", func() (interface{}, error) {
		return h.tasks.Claim(c.Request.Context(), c.Param("id"), user.ID)
	})
}

// CompleteRequest is the task-completion payload
type CompleteRequest struct {
	ActionTaken string                 `json:"action_taken" binding:"required"`
	FormData    map[string]interface{} `json:"form_data,omitempty"`
}

// Complete handles POST /api/tasks/:id/complete
func (h *TaskHandler) Complete(c *gin.Context) {
	user := GetUserFromContext(c)
	if user == nil {
		RespondAppError(c, errors.NewValidationError("user", "no authenticated user"))
		return
	}
	var req CompleteRequest
	if !BindJSON(c, &req) {
		return
	}
	HandleDeleteEnvelope(c, "Task completed", func() error {
		return h.tasks.Complete(c.Request.Context(), c.Param("id"), user.ID, req.ActionTaken, req.FormData)
	})
}
