package rbac

import (
	"net/http"

	"collections-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireLine binds agent tokens to the line this process drives.
// Supervisors and super_admin may observe any line. An empty lineID disables the check.
func RequireLine(lineID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lineID == "" {
			c.Next()
			return
		}
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if role != RoleAgent {
			c.Next()
			return
		}
		if auth.LineID(c.Request.Context()) != lineID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is not bound to this line"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - super_admin bypasses all checks
// - roles this service does not issue are always denied
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		// super_admin bypasses all
		if IsSuperAdmin(role) {
			c.Next()
			return
		}

		if !IsKnownRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
