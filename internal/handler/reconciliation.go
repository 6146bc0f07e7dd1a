package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

const (
	defaultReconciliationLimit = 20
	maxReconciliationLimit     = 100
)

type reconciliationService interface {
	RunReconciliation(ctx context.Context, merchantID string, start, end time.Time, typ domain.ReconciliationType) (*domain.Reconciliation, error)
	GetReconciliation(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Reconciliation, error)
	ListReconciliations(ctx context.Context, merchantID string, limit int) ([]*domain.Reconciliation, error)
}

type ReconciliationHandler struct {
	reconciliations reconciliationService
}

func NewReconciliationHandler(reconciliations reconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{reconciliations: reconciliations}
}

type runReconciliationRequest struct {
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Type      string     `json:"type"`
}

func (r runReconciliationRequest) Validate() []FieldError {
	var errs []FieldError

	if r.StartDate == nil {
		errs = append(errs, FieldError{Field: "start_date", Message: "required"})
	}
	if r.EndDate == nil {
		errs = append(errs, FieldError{Field: "end_date", Message: "required"})
	}
	if r.StartDate != nil && r.EndDate != nil && !r.EndDate.After(*r.StartDate) {
		errs = append(errs, FieldError{Field: "end_date", Message: "must be after start_date"})
	}
	if r.Type != "" && !domain.ReconciliationType(r.Type).IsValid() {
		errs = append(errs, FieldError{Field: "type", Message: "must be AUTOMATIC or MANUAL"})
	}

	return errs
}

type reconciliationDTO struct {
	ID                    uuid.UUID                    `json:"id"`
	MerchantID            string                       `json:"merchant_id"`
	Type                  string                       `json:"type"`
	Status                string                       `json:"status"`
	StartDate             time.Time                    `json:"start_date"`
	EndDate               time.Time                    `json:"end_date"`
	Matches               []domain.ReconciliationMatch `json:"matches"`
	UnmatchedCharges      []uuid.UUID                  `json:"unmatched_charges"`
	UnmatchedTransactions []string                     `json:"unmatched_transactions"`
	TotalAmountCents      int64                        `json:"total_amount_cents"`
	MatchedAmountCents    int64                        `json:"matched_amount_cents"`
	MatchRate             float64                      `json:"match_rate"`
	FailureReason         *string                      `json:"failure_reason,omitempty"`
	ProcessedAt           *time.Time                   `json:"processed_at,omitempty"`
	CreatedAt             time.Time                    `json:"created_at"`
}

func toReconciliationDTO(rec *domain.Reconciliation) reconciliationDTO {
	dto := reconciliationDTO{
		ID:                    rec.ID,
		MerchantID:            rec.MerchantID,
		Type:                  string(rec.Type),
		Status:                string(rec.Status),
		StartDate:             rec.StartDate,
		EndDate:               rec.EndDate,
		Matches:               rec.Matches,
		UnmatchedCharges:      rec.UnmatchedCharges,
		UnmatchedTransactions: rec.UnmatchedTransactions,
		TotalAmountCents:      rec.TotalAmountCents,
		MatchedAmountCents:    rec.MatchedAmountCents,
		MatchRate:             rec.MatchRate(),
		FailureReason:         rec.FailureReason,
		ProcessedAt:           rec.ProcessedAt,
		CreatedAt:             rec.CreatedAt,
	}
	if dto.Matches == nil {
		dto.Matches = []domain.ReconciliationMatch{}
	}
	if dto.UnmatchedCharges == nil {
		dto.UnmatchedCharges = []uuid.UUID{}
	}
	if dto.UnmatchedTransactions == nil {
		dto.UnmatchedTransactions = []string{}
	}
	return dto
}

func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req runReconciliationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	typ := domain.ReconciliationTypeManual
	if req.Type != "" {
		typ = domain.ReconciliationType(req.Type)
	}

	rec, err := h.reconciliations.RunReconciliation(r.Context(), merchantID, *req.StartDate, *req.EndDate, typ)
	if err != nil {
		log.Warn("reconciliation run failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/reconciliations/%s", rec.ID))
	RespondSuccess(w, http.StatusCreated, toReconciliationDTO(rec))
}

func (h *ReconciliationHandler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	rec, err := h.reconciliations.GetReconciliation(r.Context(), merchantID, id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("reconciliation lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toReconciliationDTO(rec))
}

func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	limit := defaultReconciliationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxReconciliationLimit {
			RespondValidationError(w, []FieldError{{Field: "limit", Message: "must be between 1 and 100"}})
			return
		}
		limit = n
	}

	recs, err := h.reconciliations.ListReconciliations(r.Context(), merchantID, limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("reconciliation list failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	out := make([]reconciliationDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toReconciliationDTO(rec))
	}
	RespondSuccess(w, http.StatusOK, out)
}
