package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("PUR_004", "Already settled", http.StatusConflict),
			expected: "[PUR_004] Already settled",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
	assert.Nil(t, New("PUR_001", "test", http.StatusBadRequest).Unwrap())
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("settle: %w", ErrAlreadySettled())

	assert.True(t, Is(err, CodeAlreadySettled))
	assert.False(t, Is(err, CodeRefundNotAllowed))
	assert.False(t, Is(errors.New("plain"), CodeAlreadySettled))
	assert.False(t, Is(nil, CodeAlreadySettled))
}

func TestPurchaseErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"InvalidAmount", ErrInvalidAmount(), CodeInvalidAmount, 400},
		{"AmountTooLow", ErrAmountTooLow(), CodeInvalidAmount, 400},
		{"MeterUnavailable", ErrMeterUnavailable(), CodeMeterUnavailable, 422},
		{"InvalidTariff", ErrInvalidTariff(), CodeInvalidTariff, 422},
		{"AlreadySettled", ErrAlreadySettled(), CodeAlreadySettled, 409},
		{"TokenAlreadyUsed", ErrTokenAlreadyUsed(), CodeTokenAlreadyUsed, 409},
		{"TokenExpired", ErrTokenExpired(), CodeTokenExpired, 410},
		{"MaxAttemptsExceeded", ErrMaxAttemptsExceeded(), CodeMaxAttemptsExceeded, 409},
		{"RefundNotAllowed", ErrRefundNotAllowed(), CodeRefundNotAllowed, 409},
		{"RefundAmountExceeds", ErrRefundAmountExceedsOriginal(), CodeRefundAmountExceeds, 400},
		{"InvalidState", ErrInvalidState("purchase not completed"), CodeInvalidState, 409},
		{"DeliveryInProgress", ErrDeliveryInProgress(), CodeDeliveryInProgress, 409},
		{"NotFound", ErrNotFound("Purchase"), CodeNotFound, 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestNotFound_Message(t *testing.T) {
	assert.Equal(t, "Meter not found", ErrNotFound("Meter").Message)
}

func TestSystemErrors(t *testing.T) {
	inner := fmt.Errorf("boom")

	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"DatabaseError", ErrDatabaseError(inner), "SYS_001", 500},
		{"LockTimeout", ErrLockTimeout(inner), "SYS_002", 503},
		{"EncryptionFailure", ErrEncryptionFailure(inner), "SYS_003", 500},
		{"QueueFull", ErrQueueFull(), "SYS_004", 503},
		{"Internal", InternalError(inner), "SYS_001", 500},
		{"Validation", Validation("bad input"), "VAL_001", 400},
		{"InvalidToken", ErrInvalidToken(), "AUTH_003", 401},
		{"Forbidden", ErrForbidden(), "AUTH_005", 403},
		{"RateLimit", ErrRateLimitExceeded(), "RATE_001", 429},
		{"InvalidSignature", ErrInvalidSignature(), "SEC_002", 401},
		{"TimestampExpired", ErrTimestampExpired(), "SEC_003", 403},
		{"NonceUsed", ErrNonceUsed(), "SEC_004", 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}
