package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

// RequestIDHeader carries the request id the tracing middleware assigns. Error
// envelopes repeat it so merchants can quote it to support.
const RequestIDHeader = "X-Request-ID"

type APIResponse struct {
	Success bool     `json:"success"`
	Data    any      `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	respondError(w, appErr, nil, details)
}

// respondError writes an error envelope that may still carry data, such as
// the failed resource.
func respondError(w http.ResponseWriter, appErr *AppError, data, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    data,
		Error: &APIError{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   details,
			RequestID: w.Header().Get(RequestIDHeader),
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrInvalidAmount):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrInvalidCurrency):
		appErr = ErrInvalidCurrency
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidPayload):
		appErr = ErrValidationFailed
	case errors.Is(err, domain.ErrInvalidStateTransition):
		appErr = ErrInvalidState
	case errors.Is(err, domain.ErrSettlementNotDue):
		appErr = ErrSettlementNotDue
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		appErr = ErrIdempotencyConflict
	case errors.Is(err, domain.ErrDuplicateExternalRef):
		appErr = ErrExternalRefConflict
	case errors.Is(err, domain.ErrProvider):
		appErr = ErrProviderUnavailable
	case errors.Is(err, domain.ErrBanking):
		appErr = ErrBankingUnavailable
	case errors.Is(err, domain.ErrInvalidSignature):
		appErr = ErrInvalidSignature
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, nil)
}
