package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/timefly-control-plane/services"
	"github.com/upb/timefly-control-plane/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses. Credential
// failures all collapse to the same generic 401; the typed cause is logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	errType := services.GetErrorType(err)

	var writeErr error
	switch {
	case services.IsCredentialError(err):
		logger.Warn("credential rejected",
			zap.String("reason", string(errType)),
			zap.Error(err))
		writeErr = utils.WriteUnauthorized(w, services.GenericCredentialMessage)

	case services.IsQuotaExceededError(err):
		writeErr = utils.WriteTooManyRequests(w, messageOf(err), details)

	case services.IsOwnershipViolationError(err):
		writeErr = utils.WriteForbidden(w, "You cannot access resources of another user")

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, messageOf(err))

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, messageOf(err), details)

	case services.IsConflictError(err):
		writeErr = utils.WriteConflict(w, messageOf(err), details)

	case services.IsDependencyUnavailableError(err):
		// Authorization cannot proceed without the credential store.
		logger.Error("dependency unavailable", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// messageOf returns the client-facing message of a domain error
func messageOf(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
