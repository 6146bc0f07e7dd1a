package charge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/provider"
)

type SplitInput struct {
	MerchantID  string
	AmountCents *int64
	Percentage  *decimal.Decimal
}

type FeeInput struct {
	Type        string
	AmountCents int64
}

type CreateChargeRequest struct {
	IdempotencyKey string
	MerchantID     string
	AmountCents    int64
	Currency       domain.Currency
	Description    *string
	Method         *domain.PaymentMethod
	ExpiresAt      *time.Time
	ExternalRef    *string
	Metadata       json.RawMessage
	Splits         []SplitInput
	Fees           []FeeInput
}

// CreateCharge creates a charge at most once per idempotency key. A repeated
// key returns the stored charge with no provider call and no new events. The
// charge, its allocations and their events commit together before the
// provider is asked for an instrument.
func (s *Service) CreateCharge(ctx context.Context, req CreateChargeRequest) (*Result, error) {
	ctx = logging.With(ctx, "idempotency_key", req.IdempotencyKey, "merchant_id", req.MerchantID)
	log := logging.FromContext(ctx)

	existing, err := s.charges.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		log.Info("charge replayed for idempotency key", "charge_id", existing.ID)
		return s.replay(ctx, existing, req.MerchantID)
	case !isNotFound(err):
		return nil, fmt.Errorf("CreateCharge: %w", err)
	}

	now := s.now()
	c, err := domain.NewCharge(domain.NewChargeParams{
		MerchantID:     req.MerchantID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Description:    req.Description,
		Method:         req.Method,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: req.IdempotencyKey,
		ExternalRef:    req.ExternalRef,
		Metadata:       req.Metadata,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("CreateCharge: %w", err)
	}

	splits, err := buildSplits(c, req.Splits, now)
	if err != nil {
		return nil, fmt.Errorf("CreateCharge: %w", err)
	}
	fees, err := buildFees(c, req.Fees, now)
	if err != nil {
		return nil, fmt.Errorf("CreateCharge: %w", err)
	}

	err = s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.charges.Create(ctx, tx, c); err != nil {
			return err
		}
		for _, sp := range splits {
			if err := s.charges.AddSplit(ctx, tx, sp); err != nil {
				return err
			}
		}
		for _, f := range fees {
			if err := s.charges.AddFee(ctx, tx, f); err != nil {
				return err
			}
		}
		if err := s.publish(ctx, tx, domain.EventChargeCreated, createdSnapshot(c, len(splits), len(fees)), c.IdempotencyKey); err != nil {
			return err
		}
		for _, sp := range splits {
			if err := s.publish(ctx, tx, domain.EventChargeSplitCreated, splitSnapshot(sp, c.AmountCents), c.IdempotencyKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// lost the insert race; the winner's row is authoritative
			winner, getErr := s.charges.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("CreateCharge: refetch after duplicate: %w", getErr)
			}
			log.Info("charge insert lost idempotency race", "charge_id", winner.ID)
			return s.replay(ctx, winner, req.MerchantID)
		}
		return nil, fmt.Errorf("CreateCharge: persist: %w", err)
	}

	log.Info("charge created", "charge_id", c.ID, "amount_cents", c.AmountCents,
		"splits", len(splits), "fees", len(fees))

	if c.Method != nil {
		issued, err := s.issueInstrument(ctx, c, now)
		if err != nil {
			log.Error("instrument issuance failed", "charge_id", c.ID, "method", *c.Method, "error", err)
			return nil, fmt.Errorf("CreateCharge: %w", err)
		}
		if err := s.save(ctx, issued, domain.ChargeStatusPending, ""); err != nil {
			return nil, fmt.Errorf("CreateCharge: attach instrument: %w", err)
		}
		c = issued
	}

	return &Result{Charge: c, Splits: splits, Fees: fees}, nil
}

func (s *Service) replay(ctx context.Context, c *domain.Charge, merchantID string) (*Result, error) {
	if c.MerchantID != merchantID {
		return nil, fmt.Errorf("CreateCharge: key belongs to another merchant: %w", domain.ErrDuplicateIdempotencyKey)
	}
	res, err := s.loadResult(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("CreateCharge: %w", err)
	}
	res.Replayed = true
	return res, nil
}

func buildSplits(c *domain.Charge, inputs []SplitInput, now time.Time) ([]*domain.ChargeSplit, error) {
	splits := make([]*domain.ChargeSplit, 0, len(inputs))
	for _, in := range inputs {
		sp, err := domain.NewSplit(c.ID, in.MerchantID, in.AmountCents, in.Percentage, c.AmountCents, now)
		if err != nil {
			return nil, err
		}
		splits = append(splits, sp)
		if err := domain.ValidateSplits(splits, c.AmountCents); err != nil {
			return nil, err
		}
	}
	return splits, nil
}

func buildFees(c *domain.Charge, inputs []FeeInput, now time.Time) ([]*domain.Fee, error) {
	fees := make([]*domain.Fee, 0, len(inputs))
	for _, in := range inputs {
		f, err := domain.NewFee(c.ID, in.Type, in.AmountCents, now)
		if err != nil {
			return nil, err
		}
		fees = append(fees, f)
		if err := domain.ValidateFees(fees, c.AmountCents); err != nil {
			return nil, err
		}
	}
	return fees, nil
}

// issueInstrument asks the provider for the method's instrument and returns
// an enriched copy of c. c itself is left untouched.
func (s *Service) issueInstrument(ctx context.Context, c *domain.Charge, now time.Time) (*domain.Charge, error) {
	req := provider.IssueRequest{
		ChargeID:    c.ID.String(),
		MerchantID:  c.MerchantID,
		AmountCents: c.AmountCents,
		Description: c.Description,
	}
	if c.ExternalRef != nil {
		req.ExternalRef = *c.ExternalRef
	}

	switch *c.Method {
	case domain.PaymentMethodPix:
		req.ExpiresAt = instrumentExpiry(c, now, s.config.PixDefaultExpiry())
		pix, err := s.provider.IssuePixCharge(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.WithPixInstrument(pix.QRCode, pix.CopyPaste, pix.ExpiresAt, s.now()), nil
	case domain.PaymentMethodBoleto:
		req.ExpiresAt = instrumentExpiry(c, now, s.config.BoletoDefaultExpiry())
		boleto, err := s.provider.IssueBoletoCharge(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.WithBoletoInstrument(boleto.URL, boleto.ExpiresAt, s.now()), nil
	default:
		return nil, fmt.Errorf("issueInstrument: unsupported method %q: %w", *c.Method, domain.ErrValidation)
	}
}

func instrumentExpiry(c *domain.Charge, now time.Time, fallback time.Duration) time.Time {
	if c.ExpiresAt != nil {
		return *c.ExpiresAt
	}
	return now.Add(fallback)
}

type chargeSnapshot struct {
	ID          uuid.UUID             `json:"id"`
	MerchantID  string                `json:"merchant_id"`
	AmountCents int64                 `json:"amount_cents"`
	Currency    domain.Currency       `json:"currency"`
	Status      domain.ChargeStatus   `json:"status"`
	Method      *domain.PaymentMethod `json:"method,omitempty"`
	SplitCount  *int                  `json:"split_count,omitempty"`
	FeeCount    *int                  `json:"fee_count,omitempty"`
	ExternalRef *string               `json:"external_ref,omitempty"`
	TxID        *string               `json:"provider_tx_id,omitempty"`
	PaidAt      *time.Time            `json:"paid_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

func statusSnapshot(c *domain.Charge) chargeSnapshot {
	return chargeSnapshot{
		ID:          c.ID,
		MerchantID:  c.MerchantID,
		AmountCents: c.AmountCents,
		Currency:    c.Currency,
		Status:      c.Status,
		Method:      c.Method,
		ExternalRef: c.ExternalRef,
		TxID:        c.ProviderTxID,
		PaidAt:      c.PaidAt,
		CreatedAt:   c.CreatedAt,
	}
}

func createdSnapshot(c *domain.Charge, splits, fees int) chargeSnapshot {
	snap := statusSnapshot(c)
	snap.SplitCount = &splits
	snap.FeeCount = &fees
	return snap
}

type splitEvent struct {
	SplitID     uuid.UUID        `json:"split_id"`
	ChargeID    uuid.UUID        `json:"charge_id"`
	MerchantID  string           `json:"merchant_id"`
	AmountCents int64            `json:"amount_cents"`
	Percentage  *decimal.Decimal `json:"percentage,omitempty"`
}

func splitSnapshot(sp *domain.ChargeSplit, total int64) splitEvent {
	return splitEvent{
		SplitID:     sp.ID,
		ChargeID:    sp.ChargeID,
		MerchantID:  sp.MerchantID,
		AmountCents: sp.ComputedAmount(total),
		Percentage:  sp.Percentage,
	}
}
