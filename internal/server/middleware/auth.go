package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"cassette-repair-tracker/backend/internal/platform/apperr"
	"cassette-repair-tracker/backend/internal/security"
)

const bearerPrefix = "bearer "

// Auth validates the Bearer access token and stores its principal in the request context.
// Temporary two-factor tokens are rejected. Requests without a valid token are aborted with 401.
func Auth(tokens *security.TokenProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, apperr.Authentication("missing bearer token"))
			return
		}
		claims, err := tokens.ValidateAccess(token)
		if err != nil {
			AbortWithError(c, apperr.Authentication("invalid access token"))
			return
		}
		c.Request = c.Request.WithContext(WithPrincipal(c.Request.Context(), claims.Principal()))
		c.Next()
	}
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
