package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/subculture-collective/agentrun/pkg/jwt"
)

// Context keys set by Auth.
const (
	CtxUserID = "auth_user_id"
	CtxEmail  = "auth_email"
	CtxRole   = "auth_role"
)

// Auth validates the bearer token and stores the caller's identity on the
// request context. EventSource cannot set headers, so a token query
// parameter is accepted as a fallback for stream endpoints.
func Auth(manager *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		claims, err := manager.ValidateToken(token)
		if err != nil || claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxEmail, claims.Email)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

// RequireRole gates an endpoint to the listed roles. Runs after Auth.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		v, _ := c.Get(CtxRole)
		role, _ := v.(string)
		if _, ok := allowed[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// UserID returns the authenticated account id. Zero when unauthenticated.
func UserID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(CtxUserID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// Email returns the authenticated user's email claim, possibly empty.
func Email(c *gin.Context) string {
	v, ok := c.Get(CtxEmail)
	if !ok {
		return ""
	}
	email, _ := v.(string)
	return email
}
