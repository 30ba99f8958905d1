package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/veritaslegal/chatstream/internal/httperr"
)

// SubjectKey is the gin context key the middleware stores the token subject
// under.
const SubjectKey = "auth_subject"

// Middleware guards routes with bearer-token auth.
type Middleware struct {
	validator *Validator
}

// NewMiddleware wraps a validator for use on gin route groups.
func NewMiddleware(validator *Validator) *Middleware {
	return &Middleware{validator: validator}
}

// RequireAuth rejects requests without a valid bearer token and attaches the
// token subject to the gin context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httperr.AbortWithUnauthorized(c, "Authorization header is required", nil)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			httperr.AbortWithUnauthorized(c, "Authorization header must be a Bearer token", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			httperr.AbortWithUnauthorized(c, "Bearer token is empty", nil)
			return
		}

		subject, err := m.validator.ValidateToken(token)
		if err != nil {
			httperr.AbortWithUnauthorized(c, "Invalid or expired token", nil)
			return
		}

		c.Set(SubjectKey, subject)
		c.Next()
	}
}

// Subject extracts the authenticated token subject from the gin context.
func Subject(c *gin.Context) (string, bool) {
	value, exists := c.Get(SubjectKey)
	if !exists {
		return "", false
	}

	subject, ok := value.(string)
	return subject, ok
}
