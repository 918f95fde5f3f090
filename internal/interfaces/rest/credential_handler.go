package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/internal/application/services"
)

// CredentialHandler serves API-credential management. Responses carry
// metadata only; secret material is write-only.
type CredentialHandler struct {
	credentials *services.CredentialService
}

// NewCredentialHandler creates a new CredentialHandler
func NewCredentialHandler(credentials *services.CredentialService) *CredentialHandler {
	return &CredentialHandler{credentials: credentials}
}

// List handles GET /api/credentials
func (h *CredentialHandler) List(c *gin.Context) {
	HandleGetEnvelope(c, "credentials", func() (interface{}, error) {
		return h.credentials.List(c.Request.Context())
	})
}

// Get handles GET /api/credentials/:name
func (h *CredentialHandler) Get(c *gin.Context) {
	HandleGetEnvelope(c, "credential", func() (interface{}, error) {
		return h.credentials.Get(c.Request.Context(), c.Param("name"))
	})
}

// Create handles POST /api/credentials
func (h *CredentialHandler) Create(c *gin.Context) {
	var input services.CredentialInput
	if !BindJSON(c, &input) {
		return
	}
	HandleMutationEnvelope(c, http.StatusCreated, "credential", "Credential created", func() (interface{}, error) {
		return h.credentials.Create(c.Request.Context(), &input)
	})
}

// Rotate handles PUT /api/credentials/:name
func (h *CredentialHandler) Rotate(c *gin.Context) {
	var input services.CredentialInput
	if !BindJSON(c, &input) {
		return
	}
	HandleMutationEnvelope(c, http.StatusOK, "credential", "Credential rotated", func() (interface{}, error) {
		return h.credentials.Rotate(c.Request.Context(), c.Param("name"), &input)
	})
}

// SetEnabled handles POST /api/credentials/:name/enabled
func (h *CredentialHandler) SetEnabled(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !BindJSON(c, &body) {
		return
	}
	HandleMutationEnvelope(c, http.StatusOK, "credential", "Credential updated", func() (interface{}, error) {
		return h.credentials.SetEnabled(c.Request.Context(), c.Param("name"), body.Enabled)
	})
}

// Delete handles DELETE /api/credentials/:name
func (h *CredentialHandler) Delete(c *gin.Context) {
	HandleDeleteEnvelope(c, "Credential deleted", func() error {
		return h.credentials.Delete(c.Request.Context(), c.Param("name"))
	})
}
