package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cassette-repair-tracker/backend/internal/platform/apperr"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusOf maps an error to its HTTP status. Unclassified errors are 500.
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes the client-safe form of err and aborts the chain. Reasons and wrapped
// causes are never written; unclassified errors get a generic message and are attached to the
// gin context for the request logger.
func AbortWithError(c *gin.Context, err error) {
	status := StatusOf(err)
	body := ErrorResponse{Error: apperr.KindOf(err).String(), Message: "internal error"}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	} else {
		var e *apperr.Error
		if errors.As(err, &e) {
			body.Message = e.Message
		}
	}
	c.AbortWithStatusJSON(status, body)
}
