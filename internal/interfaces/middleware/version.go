package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/pkg/versioning"
)

// APIVersion parses X-API-Version into the request context and echoes the
// resolved version on the response.
func APIVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		v := versioning.ParseVersion(c.GetHeader("X-API-Version"))
		c.Request = c.Request.WithContext(versioning.WithVersion(c.Request.Context(), v))
		c.Header("X-API-Version", v.String())
		c.Next()
	}
}
