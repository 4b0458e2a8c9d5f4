package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/validation"
)

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.KindExternalService:
		return http.StatusBadGateway
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error body for err. Internal failures are
// logged and reported without detail.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	msg := "an unexpected error occurred"
	var ae *apperr.Error
	if kind != apperr.KindInternal && errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	body := gin.H{"error": kind.String(), "message": msg}

	if apperr.IsRetryable(err) {
		c.Header("Retry-After", "1")
		body["retryable"] = true
	}
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func respondInvalid(c *gin.Context, errs validation.ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   apperr.KindValidation.String(),
		"message": errs.Error(),
		"details": errs,
	})
}

func respondBadBody(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "invalid request body",
	})
}
