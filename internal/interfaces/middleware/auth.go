package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pulsecrm/engine/pkg/auth"
)

// ContextKeyUser mirrors rest.ContextKeyUser; both packages agree on where
// the caller session lives.
const ContextKeyUser = "user"

// RequireAuth validates the bearer token and stores the caller session. The
// engine never issues tokens itself; it accepts the CRM's because both sides
// share the signing secret.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "No authorization token provided")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "Invalid authorization header format")
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(ContextKeyUser, claims.User)
		c.Next()
	}
}

// RequireRole allows only callers holding the given role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userInterface, exists := c.Get(ContextKeyUser)
		if !exists {
			abortUnauthorized(c, "No authenticated user")
			return
		}
		user := userInterface.(auth.UserSession)
		if !user.HasRole(role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Insufficient permissions",
				"code":    "FORBIDDEN",
				"data":    nil,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
		"code":    "UNAUTHORIZED",
		"data":    nil,
	})
	c.Abort()
}
