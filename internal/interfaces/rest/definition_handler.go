package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
	"github.com/pulsecrm/engine/internal/domain/models"
)

// DefinitionHandler serves workflow authoring endpoints
type DefinitionHandler struct {
	definitions *services.DefinitionService
}

// NewDefinitionHandler creates a new DefinitionHandler
func NewDefinitionHandler(definitions *services.DefinitionService) *DefinitionHandler {
	return &DefinitionHandler{definitions: definitions}
}

// List handles GET /api/workflows?status=
func (h *DefinitionHandler) List(c *gin.Context) {
	HandleGetEnvelope(c, "workflows", func() (interface{}, error) {
		return h.definitions.List(c.Request.Context(), c.Query("status"))
	})
}

// Get handles GET /api/workflows/:id
func (h *DefinitionHandler) Get(c *gin.Context) {
	HandleGetEnvelope(c, "workflow", func() (interface{}, error) {
		return h.definitions.Get(c.Request.Context(), c.Param("id"))
	})
}

// Create handles POST /api/workflows
func (h *DefinitionHandler) Create(c *gin.Context) {
	var def models.WorkflowDefinition
	if !BindJSON(c, &def) {
		return
	}
	def.CreatedByID = ActorID(c)
	HandleMutationEnvelope(c, http.StatusCreated, "workflow", "Workflow created", func() (interface{}, error) {
		if err := h.definitions.Create(c.Request.Context(), &def); err != nil {
			return nil, err
		}
		return &def, nil
	})
}

// Update handles PUT /api/workflows/:id
func (h *DefinitionHandler) Update(c *gin.Context) {
	var def models.WorkflowDefinition
	if !BindJSON(c, &def) {
		return
	}
	def.ID = c.Param("id")
	HandleMutationEnvelope(c, http.StatusOK, "workflow", "Workflow updated", func() (interface{}, error) {
		if err := h.definitions.Update(c.Request.Context(), &def); err != nil {
			return nil, err
		}
		return &def, nil
	})
}

// Delete handles DELETE /api/workflows/:id
func (h *DefinitionHandler) Delete(c *gin.Context) {
	HandleDeleteEnvelope(c, "Workflow deleted", func() error {
		return h.definitions.Delete(c.Request.Context(), c.Param("id"))
	})
}

// Publish handles POST /api/workflows/:id/publish
func (h *DefinitionHandler) Publish(c *gin.Context) {
	var body struct {
		ChangeNotes *string `json:"change_notes,omitempty"`
	}
	// Body is optional
	_ = c.ShouldBindJSON(&body)

	HandleMutationEnvelope(c, http.StatusOK, "workflow", "Workflow published", func() (interface{}, error) {
		return h.definitions.Publish(c.Request.Context(), c.Param("id"), body.ChangeNotes, ActorID(c))
	})
}

// Archive handles POST /api/workflows/:id/archive
func (h *DefinitionHandler) Archive(c *gin.Context) {
	HandleMutationEnvelope(c, http.StatusOK, "workflow", "Workflow archived", func() (interface{}, error) {
		return h.definitions.Archive(c.Request.Context(), c.Param("id"))
	})
}

// ListVersions handles GET /api/workflows/:id/versions
func (h *DefinitionHandler) ListVersions(c *gin.Context) {
	HandleGetEnvelope(c, "versions", func() (interface{}, error) {
		return h.definitions.ListVersions(c.Request.Context(), c.Param("id"))
	})
}
