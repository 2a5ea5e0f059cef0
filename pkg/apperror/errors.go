package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Security (SEC) ----

func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_002", "Request timestamp expired", http.StatusForbidden)
}

// ---- Settlement (STL) ----

// Validation returns a STL_002 validation error.
func Validation(message string) *AppError {
	return New("STL_002", message, http.StatusBadRequest)
}

func ErrInvalidAmount() *AppError {
	return New("STL_002", "Invalid amount", http.StatusBadRequest)
}

func ErrConflict(message string) *AppError {
	return New("STL_003", message, http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("STL_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrUnknownCurrency(currency string) *AppError {
	return New("STL_005", fmt.Sprintf("Unknown currency %q", currency), http.StatusBadRequest)
}

// ---- Payouts (PAY) ----

func ErrAlreadyInPayout() *AppError {
	return New("PAY_001", "Order is already included in a payout", http.StatusConflict)
}

func ErrNothingToPayOut() *AppError {
	return New("PAY_002", "No orders eligible for payout", http.StatusConflict)
}

func ErrPayoutBelowFees() *AppError {
	return New("PAY_003", "Payout amount does not cover fees", http.StatusBadRequest)
}

// ---- Events (EVT) ----

func ErrMalformedEvent(err error) *AppError {
	return Wrap("EVT_001", "Malformed event payload", http.StatusBadRequest, err)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

func ErrRateUnavailable(err error) *AppError {
	return Wrap("SYS_002", "Exchange rate unavailable", http.StatusServiceUnavailable, err)
}

func ErrGatewayUnavailable(err error) *AppError {
	return Wrap("SYS_003", "Payment gateway unavailable", http.StatusServiceUnavailable, err)
}

func ErrLockTimeout(err error) *AppError {
	return Wrap("SYS_004", "Lock acquisition timeout", http.StatusServiceUnavailable, err)
}

func ErrRateLimitExceeded() *AppError {
	return New("SYS_005", "Rate limit exceeded", http.StatusTooManyRequests)
}

// IsPermanent reports whether err can never succeed on retry:
// validation and not-found errors.
func IsPermanent(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.HTTPStatus == http.StatusBadRequest || appErr.HTTPStatus == http.StatusNotFound
}

// IsConflict reports whether err signals a duplicate or already-settled state.
func IsConflict(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.HTTPStatus == http.StatusConflict
}
