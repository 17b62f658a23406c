package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/engagement/pkg/response"
)

// RoleAdmin may read the analytics endpoints.
const RoleAdmin = "admin"

// RequireRole allows only callers whose token carries one of roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if _, ok := c.Get(ContextUserID); !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !allowed[role] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
