package httpapi

import (
	"errors"
	"net/http"

	"github.com/educpro/inbox"
	"github.com/educpro/inbox/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Request errors raised by handlers.
var (
	errProfilesDisabled = errors.New("profiles are not configured")
	errForeignUpload    = errors.New("upload belongs to another user")
	errNoFiles          = errors.New("no files in request")
)

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, inbox.ErrInvalidSession),
		errors.Is(err, inbox.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, inbox.ErrUnauthorized), errors.Is(err, errForeignUpload):
		return http.StatusForbidden
	case errors.Is(err, inbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, inbox.ErrFileTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, inbox.ErrTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	case inbox.IsValidationError(err),
		errors.Is(err, inbox.ErrInvalidID),
		errors.Is(err, inbox.ErrTooManyAttachments),
		errors.Is(err, errNoFiles):
		return http.StatusBadRequest
	case errors.Is(err, inbox.ErrUploaderNotConfigured), errors.Is(err, errProfilesDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, inbox.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are logged
// and their text is not exposed.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			Fail(c, status, "internal server error")
			return
		}
	}
	_ = c.Error(err)
	Fail(c, status, err.Error())
}
