package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups domain errors by how callers should react to them.
type ErrorKind string

const (
	// KindValidation errors are never retried.
	KindValidation ErrorKind = "VALIDATION"
	// KindState errors mean the entity is not in a state that allows the operation.
	KindState ErrorKind = "STATE"
	// KindConflict errors mean a concurrent writer won; re-read and retry once.
	KindConflict ErrorKind = "CONFLICT"
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindForbidden errors mean the actor may not perform the operation.
	KindForbidden ErrorKind = "FORBIDDEN"
	// KindExternalRail errors come from the payment rail after retries were exhausted.
	KindExternalRail ErrorKind = "EXTERNAL_RAIL"
)

// DomainError represents a business logic error
type DomainError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

const (
	ErrCodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeInvalidAmount        = "INVALID_AMOUNT"

	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeRequestExpired       = "REQUEST_EXPIRED"
	ErrCodeRequestClosed        = "REQUEST_CLOSED"
	ErrCodeQuoteExpired         = "QUOTE_EXPIRED"
	ErrCodeDuplicateQuote       = "DUPLICATE_QUOTE"
	ErrCodeConditionsNotMet     = "RELEASE_CONDITIONS_NOT_MET"
	ErrCodeTransferInFlight     = "TRANSFER_IN_FLIGHT"
	ErrCodeHoldNotSettled       = "HOLD_NOT_SETTLED"
	ErrCodeScreeningNotPending  = "SCREENING_NOT_PENDING"
	ErrCodeQuoteAlreadyAccepted = "QUOTE_ALREADY_ACCEPTED"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeDuplicate            = "DUPLICATE"

	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeRailFailure  = "RAIL_FAILURE"
	ErrCodeRailRejected = "RAIL_REJECTED"
)

func NewMissingRequiredFieldError(field string) *DomainError {
	return &DomainError{
		Kind:    KindValidation,
		Code:    ErrCodeMissingRequiredField,
		Message: fmt.Sprintf("%s is required", field),
	}
}

func NewValidationError(code, message string) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: message}
}

func NewInvalidAmountError(amount int64) *DomainError {
	return &DomainError{
		Kind:    KindValidation,
		Code:    ErrCodeInvalidAmount,
		Message: fmt.Sprintf("amount must be positive, got %d", amount),
	}
}

func NewInvalidTransitionError[S ~string](entity string, from, to S) *DomainError {
	return &DomainError{
		Kind:    KindState,
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("%s cannot transition from %s to %s", entity, from, to),
	}
}

func NewStateError(code, message string) *DomainError {
	return &DomainError{Kind: KindState, Code: code, Message: message}
}

func NewConflictError(code, message string) *DomainError {
	return &DomainError{Kind: KindConflict, Code: code, Message: message}
}

func NewVersionConflictError(entity, id string) *DomainError {
	return &DomainError{
		Kind:    KindConflict,
		Code:    ErrCodeVersionConflict,
		Message: fmt.Sprintf("%s %s was modified concurrently, re-read and retry", entity, id),
	}
}

func NewNotFoundError(entity, id string) *DomainError {
	return &DomainError{
		Kind:    KindNotFound,
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

func NewForbiddenError(message string) *DomainError {
	return &DomainError{Kind: KindForbidden, Code: ErrCodeForbidden, Message: message}
}

func NewExternalRailError(code string, err error) *DomainError {
	return &DomainError{
		Kind:    KindExternalRail,
		Code:    code,
		Message: "payment rail call failed",
		Err:     err,
	}
}

// KindOf returns the kind of the first DomainError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func IsErrorCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
