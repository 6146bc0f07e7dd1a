package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/service/settlement"
)

// Handler applies one verified provider event. A returned error is retried
// unless it is marked permanent.
type Handler func(ctx context.Context, env domain.WebhookEnvelope) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type chargeLookup interface {
	GetByExternalRef(ctx context.Context, merchantID, ref string) (*domain.Charge, error)
	GetByTxID(ctx context.Context, txID string) (*domain.Charge, error)
}

type chargePayer interface {
	MarkPaid(ctx context.Context, c *domain.Charge, txID string, paidAt time.Time) (bool, error)
}

type settlementConfirmer interface {
	ConfirmSettlement(ctx context.Context, id uuid.UUID, outcome settlement.Outcome) (*domain.Settlement, error)
}

type paymentReceivedData struct {
	TxID        string     `json:"txid"`
	ExternalRef string     `json:"external_ref"`
	AmountCents int64      `json:"amount_cents"`
	PaidAt      *time.Time `json:"paid_at"`
}

// PaymentReceived marks the matching charge PAID. The charge is found by
// external reference within the envelope's account first, then by provider
// transaction id. A charge owned by another account never matches. An unknown
// payment is logged for manual review and never creates a charge.
func PaymentReceived(charges chargeLookup, payer chargePayer) Handler {
	return func(ctx context.Context, env domain.WebhookEnvelope) error {
		log := logging.FromContext(ctx)

		var data paymentReceivedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Permanent(fmt.Errorf("PaymentReceived: %w: %w", domain.ErrInvalidPayload, err))
		}
		if data.TxID == "" && data.ExternalRef == "" {
			return Permanent(fmt.Errorf("PaymentReceived: txid or external_ref required: %w", domain.ErrInvalidPayload))
		}

		c, err := findCharge(ctx, charges, env.AccountID, data)
		if err != nil {
			return fmt.Errorf("PaymentReceived: %w", err)
		}
		if c == nil {
			log.Warn("unmatched payment received, manual review required",
				"txid", data.TxID, "external_ref", data.ExternalRef, "amount_cents", data.AmountCents)
			return nil
		}

		if data.AmountCents != 0 && data.AmountCents != c.AmountCents {
			log.Warn("payment amount differs from charge",
				"charge_id", c.ID, "charge_amount_cents", c.AmountCents, "paid_amount_cents", data.AmountCents)
		}

		paidAt := time.Now().UTC()
		if data.PaidAt != nil {
			paidAt = data.PaidAt.UTC()
		}
		changed, err := payer.MarkPaid(ctx, c, data.TxID, paidAt)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				return Permanent(fmt.Errorf("PaymentReceived: charge %s is %s: %w", c.ID, c.Status, err))
			}
			return fmt.Errorf("PaymentReceived: %w", err)
		}
		if !changed {
			log.Info("charge already paid, event ignored", "charge_id", c.ID)
		}
		return nil
	}
}

// findCharge returns nil when nothing matches. External references are only
// unique per merchant, so they are not consulted without an account.
func findCharge(ctx context.Context, charges chargeLookup, merchantID string, data paymentReceivedData) (*domain.Charge, error) {
	if data.ExternalRef != "" && merchantID != "" {
		c, err := charges.GetByExternalRef(ctx, merchantID, data.ExternalRef)
		switch {
		case err == nil:
			return c, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}
	if data.TxID != "" {
		c, err := charges.GetByTxID(ctx, data.TxID)
		switch {
		case err == nil:
			if merchantID != "" && c.MerchantID != merchantID {
				logging.FromContext(ctx).Warn("payment txid belongs to another account",
					"txid", data.TxID, "account_id", merchantID, "charge_id", c.ID)
				return nil, nil
			}
			return c, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}
	return nil, nil
}

type settlementStatusData struct {
	SettlementID  string `json:"settlement_id"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

// SettlementStatus resolves a settlement the bank left PROCESSING.
func SettlementStatus(settlements settlementConfirmer, completed bool) Handler {
	return func(ctx context.Context, env domain.WebhookEnvelope) error {
		var data settlementStatusData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Permanent(fmt.Errorf("SettlementStatus: %w: %w", domain.ErrInvalidPayload, err))
		}
		id, err := uuid.Parse(data.SettlementID)
		if err != nil {
			return Permanent(fmt.Errorf("SettlementStatus: settlement_id: %w", domain.ErrInvalidPayload))
		}

		_, err = settlements.ConfirmSettlement(ctx, id, settlement.Outcome{
			Completed:     completed,
			TransactionID: data.TransactionID,
			FailureReason: data.FailureReason,
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrNotFound):
			logging.FromContext(ctx).Warn("settlement status for unknown settlement", "settlement_id", id)
			return nil
		case errors.Is(err, domain.ErrInvalidStateTransition):
			return Permanent(fmt.Errorf("SettlementStatus: %w", err))
		default:
			return fmt.Errorf("SettlementStatus: %w", err)
		}
	}
}

// Handlers is the dispatch table keyed by the envelope's object field.
func Handlers(charges chargeLookup, payer chargePayer, settlements settlementConfirmer) map[string]Handler {
	return map[string]Handler{
		domain.WebhookEventPaymentReceived:     PaymentReceived(charges, payer),
		domain.WebhookEventSettlementCompleted: SettlementStatus(settlements, true),
		domain.WebhookEventSettlementFailed:    SettlementStatus(settlements, false),
	}
}
