package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed failure carried from the domain to the HTTP boundary.
// Two errors are equal under errors.Is when their codes match.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause for logging. The client-facing
// code and message are unchanged.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a different client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func newError(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

var (
	ErrUnauthorized        = newError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrInvalidToken        = newError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired access token")
	ErrInvalidCredentials  = newError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	ErrInvalidMFACode      = newError(http.StatusUnauthorized, "INVALID_MFA_CODE", "Invalid MFA code")
	ErrInvalidRefreshToken = newError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Invalid or expired refresh token")

	ErrForbidden             = newError(http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
	ErrModuleNotEnabled      = newError(http.StatusForbidden, "MODULE_NOT_ENABLED", "Module is not enabled for this user")
	ErrTenantAccessDenied    = newError(http.StatusForbidden, "TENANT_ACCESS_DENIED", "Access to the requested company is denied")
	ErrNoDefaultCompany      = newError(http.StatusForbidden, "TENANT_ACCESS_DENIED", "No company selected and no default company assigned")
	ErrSelfServiceRestricted = newError(http.StatusForbidden, "SELF_SERVICE_RESTRICTED", "You cannot reset your own MFA; ask another administrator")
	ErrSystemGroup           = newError(http.StatusForbidden, "SYSTEM_GROUP_PROTECTED", "System access groups cannot be deleted")

	ErrMFAAlreadyEnabled = newError(http.StatusConflict, "MFA_ALREADY_ENABLED", "MFA is already enabled")
	ErrGroupCodeTaken    = newError(http.StatusConflict, "ACCESS_GROUP_CODE_EXISTS", "An access group with this code already exists")

	ErrAccountLocked = newError(http.StatusLocked, "ACCOUNT_LOCKED", "Too many failed attempts; try again later")

	ErrInvalidCompanyID = newError(http.StatusBadRequest, "INVALID_COMPANY_ID", "X-Company-ID must be a valid UUID")
	ErrValidation       = newError(http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed")
	ErrMFASetupRequired = newError(http.StatusBadRequest, "MFA_SETUP_REQUIRED", "MFA configuration is incomplete; contact an administrator")
	ErrMFANotInitiated  = newError(http.StatusBadRequest, "MFA_NOT_INITIATED", "MFA setup has not been started")

	ErrNotFound = newError(http.StatusNotFound, "NOT_FOUND", "Resource not found")

	ErrInternal = newError(http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
)

// Validation builds a 400 error with per-field details.
func Validation(msg string, details map[string]any) *Error {
	e := ErrValidation.WithMessage(msg)
	e.Details = details
	return e
}

// AsError converts err to *Error; anything unknown becomes ErrInternal wrapping err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}
