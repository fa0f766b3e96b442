package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDecryption       = "DECRYPTION_ERROR"
	ErrCodeEncryption       = "ENCRYPTION_ERROR"
	ErrCodeExpired          = "EXPIRED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeStore            = "STORE_ERROR"
)

// VaultError is the structured error type for all vault operations.
// Callers branch on Code, never on Message.
type VaultError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
	Cause        error          `json:"-"`
}

func (e *VaultError) Error() string {
	if e.CredentialID != "" {
		return fmt.Sprintf("[%s] credential %s: %s", e.Code, e.CredentialID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCredential attaches a credential ID to the error.
func (e *VaultError) WithCredential(id string) *VaultError {
	e.CredentialID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first VaultError in err's chain, or "".
func CodeOf(err error) string {
	var verr *VaultError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}

// HasCode reports whether err carries a VaultError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
