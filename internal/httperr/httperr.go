// Package httperr maps lifecycle errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/validation"
)

// Status returns the HTTP status and machine-readable code for err.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, domain.ErrPaymentGateway):
		return http.StatusBadGateway, "payment_gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Write aborts the request with the JSON error body for err. Internal errors
// are logged and their message is withheld from the client.
func Write(c *gin.Context, err error) {
	status, code := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "Internal server error"
	}
	body := gin.H{
		"error":   code,
		"message": msg,
	}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.AbortWithStatusJSON(status, body)
}

// BadRequest aborts with a validation_error carrying msg.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": msg,
	})
}
