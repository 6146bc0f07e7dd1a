package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

type reconciliationRepo interface {
	Create(ctx context.Context, rec *domain.Reconciliation) error
	Update(ctx context.Context, rec *domain.Reconciliation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Reconciliation, error)
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*domain.Reconciliation, error)
}

type chargeReader interface {
	ListByMerchantAndPeriod(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Charge, error)
	GetByTxID(ctx context.Context, txID string) (*domain.Charge, error)
}

type ledger interface {
	ListTransactions(ctx context.Context, merchantID string, start, end time.Time) ([]domain.ExternalTransaction, error)
}

type publisher interface {
	Publish(ctx context.Context, e *domain.Event) error
}

type Service struct {
	reconciliations reconciliationRepo
	charges         chargeReader
	ledger          ledger
	events          publisher
	now             func() time.Time
}

func NewService(reconciliations reconciliationRepo, charges chargeReader, ledger ledger, events publisher) *Service {
	return &Service{
		reconciliations: reconciliations,
		charges:         charges,
		ledger:          ledger,
		events:          events,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// RunReconciliation compares the merchant's charges in [start, end) against
// the provider ledger for the same window. A run that errors after the
// record is persisted ends FAILED and still publishes its completion event.
func (s *Service) RunReconciliation(ctx context.Context, merchantID string, start, end time.Time, typ domain.ReconciliationType) (*domain.Reconciliation, error) {
	rec, err := domain.NewReconciliation(merchantID, typ, start.UTC(), end.UTC(), s.now())
	if err != nil {
		return nil, fmt.Errorf("RunReconciliation: %w", err)
	}
	if err := s.reconciliations.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("RunReconciliation: %w", err)
	}

	ctx = logging.With(ctx, "reconciliation_id", rec.ID, "merchant_id", merchantID)
	log := logging.FromContext(ctx)

	if err := s.reconcile(ctx, rec); err != nil {
		log.Error("reconciliation failed", "error", err)
		if failErr := rec.Fail(err.Error(), s.now()); failErr != nil {
			return nil, fmt.Errorf("RunReconciliation: %w", errors.Join(err, failErr))
		}
		if updErr := s.reconciliations.Update(ctx, rec); updErr != nil {
			log.Error("failed reconciliation not persisted", "error", updErr)
		}
		s.publish(ctx, rec)
		return rec, fmt.Errorf("RunReconciliation: %w", err)
	}
	if err := s.reconciliations.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("RunReconciliation: %w", err)
	}

	log.Info("reconciliation finished",
		"status", rec.Status,
		"matches", len(rec.Matches),
		"unmatched_charges", len(rec.UnmatchedCharges),
		"unmatched_transactions", len(rec.UnmatchedTransactions),
		"match_rate", rec.MatchRate(),
	)
	s.publish(ctx, rec)
	return rec, nil
}

func (s *Service) reconcile(ctx context.Context, rec *domain.Reconciliation) error {
	charges, err := s.charges.ListByMerchantAndPeriod(ctx, rec.MerchantID, rec.StartDate, rec.EndDate)
	if err != nil {
		return fmt.Errorf("list charges: %w", err)
	}

	var total int64
	for _, c := range charges {
		total += c.AmountCents
	}
	if err := rec.StartProcessing(total); err != nil {
		return err
	}

	now := s.now()
	known := make(map[string]struct{}, len(charges))
	for _, c := range charges {
		if c.ProviderTxID != nil && *c.ProviderTxID != "" {
			known[*c.ProviderTxID] = struct{}{}
		}
		if c.IsPaid() && c.ProviderTxID != nil && *c.ProviderTxID != "" {
			if err := rec.AddMatch(c.ID, c.AmountCents, *c.ProviderTxID, now); err != nil {
				return err
			}
			continue
		}
		if err := rec.AddUnmatchedCharge(c.ID); err != nil {
			return err
		}
	}

	txs, err := s.ledger.ListTransactions(ctx, rec.MerchantID, rec.StartDate, rec.EndDate)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	for _, tx := range txs {
		if _, ok := known[tx.ID]; ok {
			continue
		}
		ok, err := s.knownElsewhere(ctx, rec.MerchantID, tx.ID)
		if err != nil {
			return fmt.Errorf("lookup transaction %s: %w", tx.ID, err)
		}
		if ok {
			known[tx.ID] = struct{}{}
			continue
		}
		if err := rec.AddUnmatchedTransaction(tx.ID); err != nil {
			return err
		}
	}

	return rec.Complete(s.now())
}

// knownElsewhere reports whether the transaction belongs to one of the
// merchant's charges created outside the window.
func (s *Service) knownElsewhere(ctx context.Context, merchantID, txID string) (bool, error) {
	c, err := s.charges.GetByTxID(ctx, txID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return c.MerchantID == merchantID, nil
}

func (s *Service) GetReconciliation(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Reconciliation, error) {
	rec, err := s.reconciliations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetReconciliation: %w", err)
	}
	if rec.MerchantID != merchantID {
		return nil, fmt.Errorf("GetReconciliation: %w", domain.ErrNotFound)
	}
	return rec, nil
}

func (s *Service) ListReconciliations(ctx context.Context, merchantID string, limit int) ([]*domain.Reconciliation, error) {
	recs, err := s.reconciliations.ListByMerchant(ctx, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListReconciliations: %w", err)
	}
	return recs, nil
}

type completedPayload struct {
	ReconciliationID      string  `json:"reconciliation_id"`
	MerchantID            string  `json:"merchant_id"`
	Type                  string  `json:"type"`
	Status                string  `json:"status"`
	Matches               int     `json:"matches"`
	UnmatchedCharges      int     `json:"unmatched_charges"`
	UnmatchedTransactions int     `json:"unmatched_transactions"`
	TotalAmountCents      int64   `json:"total_amount_cents"`
	MatchedAmountCents    int64   `json:"matched_amount_cents"`
	MatchRate             float64 `json:"match_rate"`
	FailureReason         *string `json:"failure_reason,omitempty"`
}

func (s *Service) publish(ctx context.Context, rec *domain.Reconciliation) {
	log := logging.FromContext(ctx)

	e, err := domain.NewEvent(domain.EventReconciliationCompleted, completedPayload{
		ReconciliationID:      rec.ID.String(),
		MerchantID:            rec.MerchantID,
		Type:                  string(rec.Type),
		Status:                string(rec.Status),
		Matches:               len(rec.Matches),
		UnmatchedCharges:      len(rec.UnmatchedCharges),
		UnmatchedTransactions: len(rec.UnmatchedTransactions),
		TotalAmountCents:      rec.TotalAmountCents,
		MatchedAmountCents:    rec.MatchedAmountCents,
		MatchRate:             rec.MatchRate(),
		FailureReason:         rec.FailureReason,
	}, s.now())
	if err != nil {
		log.Error("event build failed", "error", err)
		return
	}
	e.WithTrace(rec.ID.String())

	if err := s.events.Publish(ctx, e); err != nil {
		log.Error("event publish failed", "event_id", e.ID, "error", err)
	}
}
