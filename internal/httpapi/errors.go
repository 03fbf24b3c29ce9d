package httpapi

import (
	"errors"
	"net/http"

	"security-core/internal/audit"
	"security-core/internal/events"
	"security-core/internal/investigation"
	"security-core/internal/ratelimit"
	"security-core/internal/reporting"
	"security-core/internal/security"
	"security-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error codes returned in {"error": code, "message": msg}.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeTenantRequired = "tenant_required"
	CodeRateLimited    = "rate_limited"
	CodeCSRFFailure    = "csrf_failure"
	CodeInternal       = "internal_error"
)

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	abort(c, http.StatusBadRequest, CodeInvalidRequest, msg)
}

// writeError maps a service error onto a status and error code.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, security.ErrTenantRequired):
		abort(c, http.StatusUnauthorized, CodeTenantRequired, "tenant_schema required")
	case security.IsValidation(err):
		badRequest(c, err.Error())
	case errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, ratelimit.ErrInvalidRequest),
		errors.Is(err, reporting.ErrInvalidRequest):
		badRequest(c, err.Error())
	case errors.Is(err, security.ErrNotFound), errors.Is(err, ratelimit.ErrNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, "not found")
	case errors.Is(err, security.ErrDuplicate):
		abort(c, http.StatusConflict, CodeConflict, "already exists")
	default:
		logger.FromGin(c).Error("request failed", zap.Error(err))
		abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// failureStatus maps a workflow error code onto an HTTP status.
func failureStatus(code string) int {
	switch code {
	case investigation.CodeEventNotFound, investigation.CodeInvestigatorNotFound, investigation.CodeUserNotFound:
		return http.StatusNotFound
	case investigation.CodeEventNotResolved, investigation.CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// writeResult writes a workflow result: the Result body on success, the
// error envelope otherwise.
func writeResult[T any](c *gin.Context, res investigation.Result[T], err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		abort(c, failureStatus(res.ErrorCode), res.ErrorCode, res.Error)
		return
	}
	c.JSON(http.StatusOK, res)
}
