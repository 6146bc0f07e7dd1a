package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/service/charge"
)

type chargeService interface {
	CreateCharge(ctx context.Context, req charge.CreateChargeRequest) (*charge.Result, error)
	GetCharge(ctx context.Context, merchantID string, id uuid.UUID) (*charge.Result, error)
	CancelCharge(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Charge, error)
}

type ChargeHandler struct {
	charges chargeService
}

func NewChargeHandler(charges chargeService) *ChargeHandler {
	return &ChargeHandler{charges: charges}
}

type splitRequest struct {
	MerchantID  string           `json:"merchant_id"`
	AmountCents *int64           `json:"amount_cents"`
	Percentage  *decimal.Decimal `json:"percentage"`
}

type feeRequest struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
}

type createChargeRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	AmountCents    int64           `json:"amount_cents"`
	Currency       string          `json:"currency"`
	Description    *string         `json:"description"`
	Method         *string         `json:"method"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	ExternalRef    *string         `json:"external_ref"`
	Metadata       json.RawMessage `json:"metadata"`
	Splits         []splitRequest  `json:"splits"`
	Fees           []feeRequest    `json:"fees"`
}

func (r createChargeRequest) Validate() []FieldError {
	var errs []FieldError

	if strings.TrimSpace(r.IdempotencyKey) == "" {
		errs = append(errs, FieldError{Field: "idempotency_key", Message: "required"})
	}

	if r.AmountCents <= 0 {
		errs = append(errs, FieldError{Field: "amount_cents", Message: "must be greater than 0"})
	}

	if r.Currency != "" && !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be BRL"})
	}

	if r.Method != nil && !domain.PaymentMethod(*r.Method).IsValid() {
		errs = append(errs, FieldError{Field: "method", Message: "must be PIX or BOLETO"})
	}

	for i, sp := range r.Splits {
		field := fmt.Sprintf("splits[%d]", i)
		if strings.TrimSpace(sp.MerchantID) == "" {
			errs = append(errs, FieldError{Field: field + ".merchant_id", Message: "required"})
		}
		if (sp.AmountCents == nil) == (sp.Percentage == nil) {
			errs = append(errs, FieldError{Field: field, Message: "exactly one of amount_cents or percentage is required"})
		}
	}

	for i, f := range r.Fees {
		field := fmt.Sprintf("fees[%d]", i)
		if strings.TrimSpace(f.Type) == "" {
			errs = append(errs, FieldError{Field: field + ".type", Message: "required"})
		}
		if f.AmountCents < 0 {
			errs = append(errs, FieldError{Field: field + ".amount_cents", Message: "must not be negative"})
		}
	}

	return errs
}

func (r createChargeRequest) toService(merchantID string) charge.CreateChargeRequest {
	req := charge.CreateChargeRequest{
		IdempotencyKey: r.IdempotencyKey,
		MerchantID:     merchantID,
		AmountCents:    r.AmountCents,
		Currency:       domain.Currency(r.Currency),
		Description:    r.Description,
		ExpiresAt:      r.ExpiresAt,
		ExternalRef:    r.ExternalRef,
		Metadata:       r.Metadata,
	}
	if r.Method != nil {
		m := domain.PaymentMethod(*r.Method)
		req.Method = &m
	}
	for _, sp := range r.Splits {
		req.Splits = append(req.Splits, charge.SplitInput{
			MerchantID:  sp.MerchantID,
			AmountCents: sp.AmountCents,
			Percentage:  sp.Percentage,
		})
	}
	for _, f := range r.Fees {
		req.Fees = append(req.Fees, charge.FeeInput{Type: f.Type, AmountCents: f.AmountCents})
	}
	return req
}

type splitDTO struct {
	ID          uuid.UUID        `json:"id"`
	MerchantID  string           `json:"merchant_id"`
	AmountCents *int64           `json:"amount_cents,omitempty"`
	Percentage  *decimal.Decimal `json:"percentage,omitempty"`
	Computed    int64            `json:"computed_amount_cents"`
}

type feeDTO struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	AmountCents int64     `json:"amount_cents"`
}

type chargeDTO struct {
	ID             uuid.UUID       `json:"id"`
	MerchantID     string          `json:"merchant_id"`
	AmountCents    int64           `json:"amount_cents"`
	Currency       string          `json:"currency"`
	Description    *string         `json:"description,omitempty"`
	Status         string          `json:"status"`
	Method         *string         `json:"method,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExternalRef    *string         `json:"external_ref,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	PixQRCode      *string         `json:"pix_qr_code,omitempty"`
	PixCopyPaste   *string         `json:"pix_copy_paste,omitempty"`
	BoletoURL      *string         `json:"boleto_url,omitempty"`
	ProviderTxID   *string         `json:"provider_tx_id,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	Splits         []splitDTO      `json:"splits"`
	Fees           []feeDTO        `json:"fees"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toChargeDTO(c *domain.Charge, splits []*domain.ChargeSplit, fees []*domain.Fee) chargeDTO {
	dto := chargeDTO{
		ID:             c.ID,
		MerchantID:     c.MerchantID,
		AmountCents:    c.AmountCents,
		Currency:       string(c.Currency),
		Description:    c.Description,
		Status:         string(c.Status),
		ExpiresAt:      c.ExpiresAt,
		IdempotencyKey: c.IdempotencyKey,
		ExternalRef:    c.ExternalRef,
		Metadata:       c.Metadata,
		PixQRCode:      c.PixQRCode,
		PixCopyPaste:   c.PixCopyPaste,
		BoletoURL:      c.BoletoURL,
		ProviderTxID:   c.ProviderTxID,
		PaidAt:         c.PaidAt,
		Splits:         make([]splitDTO, 0, len(splits)),
		Fees:           make([]feeDTO, 0, len(fees)),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.Method != nil {
		m := string(*c.Method)
		dto.Method = &m
	}
	for _, sp := range splits {
		dto.Splits = append(dto.Splits, splitDTO{
			ID:          sp.ID,
			MerchantID:  sp.MerchantID,
			AmountCents: sp.AmountCents,
			Percentage:  sp.Percentage,
			Computed:    sp.ComputedAmount(c.AmountCents),
		})
	}
	for _, f := range fees {
		dto.Fees = append(dto.Fees, feeDTO{ID: f.ID, Type: f.Type, AmountCents: f.AmountCents})
	}
	return dto
}

// Create accepts the idempotency key from the Idempotency-Key header or the
// body; the header wins when both are set.
func (h *ChargeHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req createChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	res, err := h.charges.CreateCharge(r.Context(), req.toService(merchantID))
	if err != nil {
		log.Warn("charge creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/charges/%s", res.Charge.ID))
	RespondSuccess(w, status, toChargeDTO(res.Charge, res.Splits, res.Fees))
}

func (h *ChargeHandler) Get(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	chargeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	res, err := h.charges.GetCharge(r.Context(), merchantID, chargeID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("charge lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toChargeDTO(res.Charge, res.Splits, res.Fees))
}

func (h *ChargeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := auth.MerchantIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	chargeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	c, err := h.charges.CancelCharge(r.Context(), merchantID, chargeID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("charge cancel failed", "charge_id", chargeID, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toChargeDTO(c, nil, nil))
}
