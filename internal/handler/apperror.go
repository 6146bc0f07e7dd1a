package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidAmount         = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidCurrency       = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Only BRL is supported"}
	ErrInvalidState          = &AppError{http.StatusConflict, "INVALID_STATE", "Operation not allowed in the current state"}
	ErrSettlementNotDue      = &AppError{http.StatusConflict, "SETTLEMENT_NOT_DUE", "Settlement is scheduled for a later date"}
	ErrProviderUnavailable   = &AppError{http.StatusBadGateway, "PROVIDER_ERROR", "Payment provider request failed"}
	ErrBankingUnavailable    = &AppError{http.StatusBadGateway, "BANKING_ERROR", "Bank request failed"}
	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
	ErrExternalRefConflict   = &AppError{http.StatusConflict, "EXTERNAL_REF_CONFLICT", "External reference already used by another charge"}
	ErrInsufficientScope     = &AppError{http.StatusForbidden, "INSUFFICIENT_SCOPE", "Token does not grant this operation"}
)
