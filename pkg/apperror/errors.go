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

// Is reports whether err carries an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Purchase error codes.
const (
	CodeInvalidAmount       = "PUR_001"
	CodeMeterUnavailable    = "PUR_002"
	CodeInvalidTariff       = "PUR_003"
	CodeAlreadySettled      = "PUR_004"
	CodeTokenAlreadyUsed    = "PUR_005"
	CodeTokenExpired        = "PUR_006"
	CodeMaxAttemptsExceeded = "PUR_007"
	CodeRefundNotAllowed    = "PUR_008"
	CodeRefundAmountExceeds = "PUR_009"
	CodeInvalidState        = "PUR_010"
	CodeDeliveryInProgress  = "PUR_011"
	CodeNotFound            = "PUR_404"
)

// ---- Security & Authentication (SEC) ----

func ErrInvalidSignature() *AppError {
	return New("SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_003", "Request timestamp expired", http.StatusForbidden)
}

func ErrNonceUsed() *AppError {
	return New("SEC_004", "Nonce has already been used", http.StatusForbidden)
}

// ---- Purchase Business Logic (PUR) ----

func ErrInvalidAmount() *AppError {
	return New(CodeInvalidAmount, "Invalid amount", http.StatusBadRequest)
}

// ErrAmountTooLow is an InvalidAmount raised when fees consume the whole purchase.
func ErrAmountTooLow() *AppError {
	return New(CodeInvalidAmount, "Purchase amount too low after fees", http.StatusBadRequest)
}

func ErrMeterUnavailable() *AppError {
	return New(CodeMeterUnavailable, "Meter not found or inactive for unit", http.StatusUnprocessableEntity)
}

func ErrInvalidTariff() *AppError {
	return New(CodeInvalidTariff, "No valid tariff for estate", http.StatusUnprocessableEntity)
}

func ErrAlreadySettled() *AppError {
	return New(CodeAlreadySettled, "Purchase payment already settled", http.StatusConflict)
}

func ErrTokenAlreadyUsed() *AppError {
	return New(CodeTokenAlreadyUsed, "Token has already been used", http.StatusConflict)
}

func ErrTokenExpired() *AppError {
	return New(CodeTokenExpired, "Token has expired", http.StatusGone)
}

func ErrMaxAttemptsExceeded() *AppError {
	return New(CodeMaxAttemptsExceeded, "Maximum delivery attempts exceeded", http.StatusConflict)
}

func ErrRefundNotAllowed() *AppError {
	return New(CodeRefundNotAllowed, "Purchase not eligible for refund", http.StatusConflict)
}

func ErrRefundAmountExceedsOriginal() *AppError {
	return New(CodeRefundAmountExceeds, "Refund amount exceeds amount charged", http.StatusBadRequest)
}

func ErrInvalidState(message string) *AppError {
	return New(CodeInvalidState, message, http.StatusConflict)
}

func ErrDeliveryInProgress() *AppError {
	return New(CodeDeliveryInProgress, "Delivery already in progress", http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbidden() *AppError {
	return New("AUTH_005", "Insufficient permissions", http.StatusForbidden)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrLockTimeout(err error) *AppError {
	return Wrap("SYS_002", "Lock acquisition timeout", http.StatusServiceUnavailable, err)
}

func ErrEncryptionFailure(err error) *AppError {
	return Wrap("SYS_003", "Encryption service failure", http.StatusInternalServerError, err)
}

func ErrQueueFull() *AppError {
	return New("SYS_004", "Settlement queue is full", http.StatusServiceUnavailable)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a request validation error.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}
