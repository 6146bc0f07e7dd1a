package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/service/settlement"
)

type settlementService interface {
	CreateSettlement(ctx context.Context, req settlement.CreateSettlementRequest) (*domain.Settlement, error)
	GetSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error)
	ScheduleSettlement(ctx context.Context, merchantID string, id uuid.UUID, at time.Time, bankAccountID string) (*domain.Settlement, error)
	ProcessMerchantSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error)
	CancelSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error)
	ListSettlements(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Settlement, error)
}

const defaultSettlementWindow = 30 * 24 * time.Hour

type SettlementHandler struct {
	settlements settlementService
}

func NewSettlementHandler(settlements settlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

type createSettlementRequest struct {
	AmountCents   int64           `json:"amount_cents"`
	BankAccountID *string         `json:"bank_account_id"`
	Metadata      json.RawMessage `json:"metadata"`
}

func (r createSettlementRequest) Validate() []FieldError {
	var errs []FieldError

	if r.AmountCents <= 0 {
		errs = append(errs, FieldError{Field: "amount_cents", Message: "must be greater than 0"})
	}
	if r.BankAccountID != nil && strings.TrimSpace(*r.BankAccountID) == "" {
		errs = append(errs, FieldError{Field: "bank_account_id", Message: "must not be blank"})
	}

	return errs
}

type scheduleSettlementRequest struct {
	ScheduledFor  *time.Time `json:"scheduled_for"`
	BankAccountID string     `json:"bank_account_id"`
}

func (r scheduleSettlementRequest) Validate() []FieldError {
	var errs []FieldError

	if r.ScheduledFor == nil {
		errs = append(errs, FieldError{Field: "scheduled_for", Message: "required"})
	}
	if strings.TrimSpace(r.BankAccountID) == "" {
		errs = append(errs, FieldError{Field: "bank_account_id", Message: "required"})
	}

	return errs
}

type settlementDTO struct {
	ID            uuid.UUID       `json:"id"`
	MerchantID    string          `json:"merchant_id"`
	AmountCents   int64           `json:"amount_cents"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	ScheduledFor  *time.Time      `json:"scheduled_for,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	BankAccountID *string         `json:"bank_account_id,omitempty"`
	ProviderTxID  *string         `json:"provider_tx_id,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toSettlementDTO(s *domain.Settlement) settlementDTO {
	return settlementDTO{
		ID:            s.ID,
		MerchantID:    s.MerchantID,
		AmountCents:   s.AmountCents,
		Currency:      string(s.Currency),
		Status:        string(s.Status),
		ScheduledFor:  s.ScheduledFor,
		ProcessedAt:   s.ProcessedAt,
		BankAccountID: s.BankAccountID,
		ProviderTxID:  s.ProviderTxID,
		FailureReason: s.FailureReason,
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (h *SettlementHandler) Create(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req createSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	s, err := h.settlements.CreateSettlement(r.Context(), settlement.CreateSettlementRequest{
		MerchantID:    merchantID,
		AmountCents:   req.AmountCents,
		BankAccountID: req.BankAccountID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/settlements/%s", s.ID))
	RespondSuccess(w, http.StatusCreated, toSettlementDTO(s))
}

func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID, id, ok := settlementTarget(w, r)
	if !ok {
		return
	}

	s, err := h.settlements.GetSettlement(r.Context(), merchantID, id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toSettlementDTO(s))
}

func (h *SettlementHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	merchantID, id, ok := settlementTarget(w, r)
	if !ok {
		return
	}

	var req scheduleSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	s, err := h.settlements.ScheduleSettlement(r.Context(), merchantID, id, req.ScheduledFor.UTC(), req.BankAccountID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement schedule failed", "settlement_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toSettlementDTO(s))
}

// Process returns the settlement alongside the error when the bank rejected
// the payout, so the caller sees the recorded failure reason.
func (h *SettlementHandler) Process(w http.ResponseWriter, r *http.Request) {
	merchantID, id, ok := settlementTarget(w, r)
	if !ok {
		return
	}

	s, err := h.settlements.ProcessMerchantSettlement(r.Context(), merchantID, id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement processing failed", "settlement_id", id, "error", err)
		if s != nil {
			respondError(w, ErrBankingUnavailable, toSettlementDTO(s), nil)
			return
		}
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toSettlementDTO(s))
}

func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	merchantID, id, ok := settlementTarget(w, r)
	if !ok {
		return
	}

	s, err := h.settlements.CancelSettlement(r.Context(), merchantID, id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement cancel failed", "settlement_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toSettlementDTO(s))
}

// List takes an optional RFC 3339 window in ?from and ?to, defaulting to the
// last 30 days.
func (h *SettlementHandler) List(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	end := time.Now().UTC()
	start := end.Add(-defaultSettlementWindow)
	var fields []FieldError
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fields = append(fields, FieldError{Field: "from", Message: "must be an RFC 3339 timestamp"})
		}
		start = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fields = append(fields, FieldError{Field: "to", Message: "must be an RFC 3339 timestamp"})
		}
		end = t
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	list, err := h.settlements.ListSettlements(r.Context(), merchantID, start, end)
	if err != nil {
		logging.FromContext(r.Context()).Warn("settlement list failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	out := make([]settlementDTO, 0, len(list))
	for _, s := range list {
		out = append(out, toSettlementDTO(s))
	}
	RespondSuccess(w, http.StatusOK, out)
}

func settlementTarget(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return "", uuid.Nil, false
	}
	return merchantID, id, true
}
