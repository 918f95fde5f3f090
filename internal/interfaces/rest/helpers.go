package rest

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/pkg/auth"
	"github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// ContextKeyUser is where the auth middleware stores the caller session
const ContextKeyUser = "user"

// GetUserFromContext extracts the authenticated user from gin.Context
func GetUserFromContext(c *gin.Context) *auth.UserSession {
	userInterface, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil
	}
	session := userInterface.(auth.UserSession)
	return &session
}

// ActorID returns the caller's user ID, or nil for unauthenticated routes
func ActorID(c *gin.Context) *string {
	user := GetUserFromContext(c)
	if user == nil {
		return nil
	}
	return &user.ID
}

// RespondAppError sends a standardised JSON error response using pkg/errors
func RespondAppError(c *gin.Context, err error) {
	code := errors.GetHTTPStatus(err)
	errorCode := errors.GetErrorCode(err)
	message := err.Error()

	if code >= 500 {
		log.Printf("❌ ERROR [%d] %s %s: %s", code, c.Request.Method, c.Request.URL.Path, message)
	}

	c.JSON(code, gin.H{
		"error":   message,
		"message": message,
		"code":    errorCode,
		"data":    nil,
	})
}

// PathID returns the :id path parameter, rejecting values that are not UUIDs
// before they reach a repository lookup
func PathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !utils.IsValidUUID(id) {
		RespondAppError(c, errors.NewValidationError("id", "must be a UUID"))
		return "", false
	}
	return id, true
}

// BindJSON binds JSON and returns true if successful. If failed, it sends bad request error.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		RespondAppError(c, errors.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// HandleGetEnvelope executes a read action and returns the result wrapped in a JSON key
// Response: { [key]: result }
func HandleGetEnvelope(c *gin.Context, key string, action func() (interface{}, error)) {
	result, err := action()
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: result})
}

// HandleMutationEnvelope executes a mutation and returns the result + message
// Response: { "message": successMsg, [key]: result } (key omitted if empty)
func HandleMutationEnvelope(c *gin.Context, status int, key, successMsg string, action func() (interface{}, error)) {
	result, err := action()
	if err != nil {
		RespondAppError(c, err)
		return
	}
	response := gin.H{"message": successMsg}
	if key != "" {
		response[key] = result
	}
	c.JSON(status, response)
}

// HandleDeleteEnvelope executes a delete action and returns a success message
// Response: { "message": successMsg }
func HandleDeleteEnvelope(c *gin.Context, successMsg string, action func() error) {
	if err := action(); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": successMsg})
}
