package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrEditConflict      = errors.New("edit conflict")
	ErrDuplicateRecord   = errors.New("record already exists")
	ErrConfiguration     = errors.New("payment provider is not configured")
	ErrAuthentication    = errors.New("signature verification failed")
	ErrValidation        = errors.New("invalid payload")
	ErrAmountMismatch    = errors.New("reported amount does not match the recorded amount")
	ErrTransientProvider = errors.New("payment provider is temporarily unavailable")

	// ErrEntitlementApplied means the payment's premium grant was already written.
	ErrEntitlementApplied = errors.New("entitlement already applied for payment")

	// ErrProviderUnreachable means the request never got a response, so the
	// provider cannot have acted on it.
	ErrProviderUnreachable = fmt.Errorf("payment provider could not be reached: %w", ErrTransientProvider)
)

// ValidationError describes which fields of an inbound payload were rejected.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

func (e *ValidationError) Add(field, issue string) {
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = issue
	}
}

func (e *ValidationError) Valid() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %d field(s)", len(e.Fields))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ProviderError is returned when a processor answers but rejects the request or
// reports the payment as failed.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}

	return fmt.Sprintf("%s: %s (code %s)", e.Provider, e.Message, e.Code)
}
