// Package apperror provides structured error handling for the inventory
// ledger. All business-rule failures are reported as AppError so callers can
// render a user message without parsing error strings.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"stockledger/internal/core/types"
)

// Error codes grouped by failure class.
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Validation errors (400)
	CodeValidation      = "VALIDATION_ERROR"
	CodeInvalidQuantity = "INVALID_QUANTITY"

	// Business rule violations (422)
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeInsufficientAvailable  = "INSUFFICIENT_AVAILABLE"
	CodeInsufficientQuantity   = "INSUFFICIENT_QUANTITY"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"

	// Conflict (409)
	CodeDuplicateOperation  = "DUPLICATE_OPERATION"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"
)

// AppError is the standard error type for the ledger core.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (key, requested vs available, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested status code for upstream API layers
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidQuantity is returned when a command receives a non-positive
// quantity (or a negative cost).
func NewInvalidQuantity(field string, value any) *AppError {
	return &AppError{
		Code:       CodeInvalidQuantity,
		Message:    "quantity must be positive",
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"field": field, "value": value},
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInsufficientStock reports an on-hand shortage for a consumption.
func NewInsufficientStock(productID string, requested, onHand types.Quantity) *AppError {
	return &AppError{
		Code:       CodeInsufficientStock,
		Message:    "insufficient stock",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested.String(),
			"on_hand":    onHand.String(),
		},
	}
}

// NewInsufficientAvailable reports an available-to-promise shortage for a
// reservation (on-hand may still cover it, but part is already held).
func NewInsufficientAvailable(productID string, requested, available types.Quantity) *AppError {
	return &AppError{
		Code:       CodeInsufficientAvailable,
		Message:    "insufficient available stock",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested.String(),
			"available":  available.String(),
		},
	}
}

// NewInsufficientQuantity reports a shortage on a delegated-stock row.
func NewInsufficientQuantity(delegatedStockID string, requested, remaining types.Quantity) *AppError {
	return &AppError{
		Code:       CodeInsufficientQuantity,
		Message:    "insufficient delegated quantity",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"delegated_stock_id": delegatedStockID,
			"requested":          requested.String(),
			"remaining":          remaining.String(),
		},
	}
}

// NewDuplicateOperation is returned when a reference that already produced a
// movement of the same type is replayed.
func NewDuplicateOperation(movementType, reference string) *AppError {
	return &AppError{
		Code:       CodeDuplicateOperation,
		Message:    "operation already applied for this reference",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"type": movementType, "reference": reference},
	}
}

// NewInvalidStateTransition is returned when a state machine is driven out of
// order (e.g. receiving a transfer that was never executed).
func NewInvalidStateTransition(entity, from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidStateTransition,
		Message:    fmt.Sprintf("cannot transition %s from %s to %s", entity, from, to),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"entity": entity, "from": from, "to": to},
	}
}

// NewConcurrencyConflict signals that optimistic/serializable retries were
// exhausted. Recoverable by retrying the whole command.
func NewConcurrencyConflict(entity string, attempts int) *AppError {
	return &AppError{
		Code:       CodeConcurrencyConflict,
		Message:    "record was modified concurrently, retries exhausted",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "attempts": attempts},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsConcurrencyConflict checks if error is CodeConcurrencyConflict
func IsConcurrencyConflict(err error) bool {
	return HasCode(err, CodeConcurrencyConflict)
}

// IsDuplicateOperation checks if error is CodeDuplicateOperation
func IsDuplicateOperation(err error) bool {
	return HasCode(err, CodeDuplicateOperation)
}
