package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/ledgerline/ledgerline/internal/audit/domain"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
	"github.com/ledgerline/ledgerline/internal/pipeline/lock"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
	"github.com/ledgerline/ledgerline/pkg/correlation"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrMissingTenant  = errors.New("missing_tenant")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware converts the last gin error into the
// response envelope. Internal failures never leak their cause; the
// correlation id is the handle operators use to find the real error in
// the logs.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		payload.CorrelationID = correlation.ExtractCorrelationID(c.Request.Context())
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, vaultdomain.ErrExpired):
		return http.StatusGone, errorPayload{
			Type:    "credential_expired",
			Message: "credential expired, please re-authorize",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrMissingTenant),
		errors.Is(err, vaultdomain.ErrInvalidTenant),
		errors.Is(err, vaultdomain.ErrInvalidProvider),
		errors.Is(err, vaultdomain.ErrInvalidPlaintext),
		errors.Is(err, vaultdomain.ErrInvalidTTL),
		errors.Is(err, vaultdomain.ErrInvalidExpiry),
		errors.Is(err, vaultdomain.ErrLabelTooLong),
		errors.Is(err, hierarchydomain.ErrInvalidEntityID),
		errors.Is(err, hierarchydomain.ErrInvalidName),
		errors.Is(err, hierarchydomain.ErrInvalidLevelCode),
		errors.Is(err, hierarchydomain.ErrUnknownParent),
		errors.Is(err, hierarchydomain.ErrDepthExceeded),
		errors.Is(err, ledgerdomain.ErrInvalidDateRange),
		errors.Is(err, ledgerdomain.ErrInvalidGroupBy),
		errors.Is(err, ledgerdomain.ErrUnknownDomain),
		errors.Is(err, pipelinedomain.ErrInvalidDateRange),
		errors.Is(err, pipelinedomain.ErrUnknownDomain),
		errors.Is(err, normalizerdomain.ErrInvalidDateRange),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, vaultdomain.ErrNotFound),
		errors.Is(err, hierarchydomain.ErrUnknownEntity),
		errors.Is(err, pipelinedomain.ErrRunNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, vaultdomain.ErrConflict),
		errors.Is(err, hierarchydomain.ErrDuplicateEntity),
		errors.Is(err, hierarchydomain.ErrCycle),
		errors.Is(err, hierarchydomain.ErrHasChildren),
		errors.Is(err, hierarchydomain.ErrEntityReferenced),
		errors.Is(err, ledgerdomain.ErrAmbiguousAttribution),
		errors.Is(err, lock.ErrContention):
		return true
	default:
		return false
	}
}
