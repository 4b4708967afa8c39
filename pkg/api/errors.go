package api

import (
	"errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeActionExecution = "ACTION_EXECUTION_ERROR"
	ErrCodeSecurity        = "SECURITY_ERROR"
	ErrCodeTokenValidation = "TOKEN_VALIDATION_ERROR"
)

var (
	// ErrConfiguration covers invalid predicates, invalid trigger/parent
	// combinations and other operator mistakes caught at write time.
	ErrConfiguration = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeConfiguration)
	// ErrInvalidState is a configuration error raised by illegal lifecycle
	// transitions.
	ErrInvalidState = apperrors.New("invalid state transition", apperrors.CategoryConflict).
			WithTextCode(ErrCodeInvalidState)
	// ErrActionExecution wraps failures of mail, activity and custom actions.
	ErrActionExecution = apperrors.New("action execution failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeActionExecution)
	// ErrSecurity is returned when rows exist but the caller may not see them.
	ErrSecurity = apperrors.New("access denied", apperrors.CategoryAuthz).
			WithTextCode(ErrCodeSecurity)
	// ErrTokenValidation marks a tracking callback carrying a bad token.
	ErrTokenValidation = apperrors.New("invalid tracking token", apperrors.CategoryAuth).
				WithTextCode(ErrCodeTokenValidation)

	// ErrRecordNotFound is returned by RecordStore implementations.
	ErrRecordNotFound = errors.New("record not found")
	// ErrLinkNotFound is returned by LinkTracker for unknown codes.
	ErrLinkNotFound = errors.New("link not found")
)

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ConfigurationError returns a new configuration error.
func ConfigurationError(message string, source error, metadata map[string]any) error {
	return cloneError(ErrConfiguration, message, source, metadata)
}

// InvalidStateError returns a new lifecycle transition error.
func InvalidStateError(message string, metadata map[string]any) error {
	return cloneError(ErrInvalidState, message, nil, metadata)
}

// ActionExecutionError wraps an action failure. The stack of the caller is
// captured on the error; see ErrorStack.
func ActionExecutionError(message string, source error, metadata map[string]any) error {
	return cloneError(ErrActionExecution, message, source, metadata).WithStackTrace()
}

// SecurityError returns a new access error.
func SecurityError(message string, metadata map[string]any) error {
	return cloneError(ErrSecurity, message, nil, metadata)
}

// TokenValidationError returns a new token error.
func TokenValidationError(message string, metadata map[string]any) error {
	return cloneError(ErrTokenValidation, message, nil, metadata)
}

// ErrorCode returns the text code of err, or "" if err carries none.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if errors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// ErrorStack returns the stack trace captured on err, or "" when none of the
// errors in its chain carries one.
func ErrorStack(err error) string {
	for err != nil {
		var ge *apperrors.Error
		if !errors.As(err, &ge) {
			return ""
		}
		if len(ge.StackTrace) > 0 {
			return ge.StackTrace.String()
		}
		err = ge.Source
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error,
// including invalid state transitions.
func IsConfigurationError(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeConfiguration || code == ErrCodeInvalidState
}

func IsInvalidState(err error) bool        { return ErrorCode(err) == ErrCodeInvalidState }
func IsActionExecutionError(err error) bool { return ErrorCode(err) == ErrCodeActionExecution }
func IsSecurityError(err error) bool        { return ErrorCode(err) == ErrCodeSecurity }
func IsTokenValidationError(err error) bool { return ErrorCode(err) == ErrCodeTokenValidation }
