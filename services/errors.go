package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeMissingCredential     ErrorType = "missing_credential"
	ErrorTypeMalformedCredential   ErrorType = "malformed_credential"
	ErrorTypeExpiredCredential     ErrorType = "expired_credential"
	ErrorTypeRevokedCredential     ErrorType = "revoked_credential"
	ErrorTypeUnknownCredential     ErrorType = "unknown_credential"
	ErrorTypeQuotaExceeded         ErrorType = "quota_exceeded"
	ErrorTypeOwnershipViolation    ErrorType = "ownership_violation"
	ErrorTypeDependencyUnavailable ErrorType = "dependency_unavailable"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeConflict              ErrorType = "conflict"
	ErrorTypeInternal              ErrorType = "internal"
)

// GenericCredentialMessage is the only message a client ever sees for a
// credential failure.
const GenericCredentialMessage = "Invalid or expired credentials"

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error type so that callers can compare against the sentinels.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels. Never call WithDetail on these; build a fresh error instead.
var (
	ErrMissingCredential   = NewDomainError(ErrorTypeMissingCredential, "no credential presented", nil)
	ErrMalformedCredential = NewDomainError(ErrorTypeMalformedCredential, "malformed credential", nil)
	ErrExpiredCredential   = NewDomainError(ErrorTypeExpiredCredential, "credential expired", nil)
	ErrRevokedCredential   = NewDomainError(ErrorTypeRevokedCredential, "credential revoked", nil)
	ErrUnknownCredential   = NewDomainError(ErrorTypeUnknownCredential, "unknown credential", nil)

	ErrQuotaExceeded         = NewDomainError(ErrorTypeQuotaExceeded, "quota exceeded", nil)
	ErrOwnershipViolation    = NewDomainError(ErrorTypeOwnershipViolation, "resource belongs to another identity", nil)
	ErrDependencyUnavailable = NewDomainError(ErrorTypeDependencyUnavailable, "dependency unavailable", nil)

	ErrUserNotFound    = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrSessionNotFound = NewDomainError(ErrorTypeNotFound, "session not found", nil)
	ErrAPIKeyNotFound  = NewDomainError(ErrorTypeNotFound, "API key not found", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// NoValidCredential builds the resolver failure for the given cause.
func NoValidCredential(cause ErrorType, err error) *DomainError {
	return NewDomainError(cause, "no valid credential", err)
}

// InvalidRefreshToken builds the rotation failure for the given cause.
func InvalidRefreshToken(cause ErrorType, err error) *DomainError {
	return NewDomainError(cause, "invalid refresh token", err)
}

// InvalidAPIKey builds the API key failure. The cause is kept for logs only.
func InvalidAPIKey(cause ErrorType, err error) *DomainError {
	return NewDomainError(cause, "invalid API key", err)
}

// QuotaExceeded builds a 429-class error carrying the limit and reset time.
func QuotaExceeded(message string, limit int, resetUnix int64) *DomainError {
	return NewDomainError(ErrorTypeQuotaExceeded, message, nil).
		WithDetail("limit", limit).
		WithDetail("reset", resetUnix)
}

func hasType(err error, types ...ErrorType) bool {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return false
	}
	for _, t := range types {
		if domainErr.Type == t {
			return true
		}
	}
	return false
}

// IsCredentialError reports whether err is any of the five credential failures.
func IsCredentialError(err error) bool {
	return hasType(err,
		ErrorTypeMissingCredential,
		ErrorTypeMalformedCredential,
		ErrorTypeExpiredCredential,
		ErrorTypeRevokedCredential,
		ErrorTypeUnknownCredential,
	)
}

// IsQuotaExceededError checks if an error is a quota error
func IsQuotaExceededError(err error) bool {
	return hasType(err, ErrorTypeQuotaExceeded)
}

// IsOwnershipViolationError checks if an error is an ownership error
func IsOwnershipViolationError(err error) bool {
	return hasType(err, ErrorTypeOwnershipViolation)
}

// IsDependencyUnavailableError checks if an error is a dependency error
func IsDependencyUnavailableError(err error) bool {
	return hasType(err, ErrorTypeDependencyUnavailable)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapUnavailable wraps a store or collaborator failure.
func WrapUnavailable(message string, err error) error {
	return NewDomainError(ErrorTypeDependencyUnavailable, message, err)
}
