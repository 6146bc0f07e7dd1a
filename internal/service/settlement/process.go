package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/provider"
)

// ProcessSettlement pays a due settlement out through the bank. The move to
// PROCESSING is a compare-and-set against the status that was read, so of
// several concurrent callers only one reaches the bank.
func (s *Service) ProcessSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.settlements.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w", err)
	}
	return s.process(ctx, st)
}

// ProcessMerchantSettlement is ProcessSettlement restricted to settlements
// owned by merchantID.
func (s *Service) ProcessMerchantSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.owned(ctx, merchantID, id)
	if err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w", err)
	}
	return s.process(ctx, st)
}

func (s *Service) process(ctx context.Context, st *domain.Settlement) (*domain.Settlement, error) {
	ctx = logging.With(ctx, "settlement_id", st.ID, "merchant_id", st.MerchantID)
	log := logging.FromContext(ctx)

	if !st.CanBeProcessed() {
		return nil, fmt.Errorf("ProcessSettlement: settlement is %s: %w", st.Status, domain.ErrInvalidStateTransition)
	}
	now := s.now()
	if !st.IsDue(now) {
		return nil, fmt.Errorf("ProcessSettlement: scheduled for %s: %w", st.ScheduledFor, domain.ErrSettlementNotDue)
	}
	if st.BankAccountID == nil || *st.BankAccountID == "" {
		return nil, fmt.Errorf("ProcessSettlement: bank account required: %w", domain.ErrValidation)
	}

	from := st.Status
	if err := st.StartProcessing(now); err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w", err)
	}
	if err := s.save(ctx, st, from, ""); err != nil {
		return nil, fmt.Errorf("ProcessSettlement: claim: %w", err)
	}

	res, bankErr := s.bank.ProcessSettlement(ctx, provider.SettlementRequest{
		SettlementID:  st.ID.String(),
		MerchantID:    st.MerchantID,
		AmountCents:   st.AmountCents,
		BankAccountID: *st.BankAccountID,
		Description:   "Settlement " + st.ID.String(),
	})
	if bankErr != nil {
		log.Error("bank rejected settlement", "error", bankErr)
		if err := st.Fail(bankErr.Error(), s.now()); err != nil {
			return nil, fmt.Errorf("ProcessSettlement: %w", err)
		}
		if err := s.save(ctx, st, domain.SettlementStatusProcessing, domain.EventSettlementProcessed); err != nil {
			log.Error("failed settlement not persisted", "error", err)
		}
		return st, fmt.Errorf("ProcessSettlement: %w", bankErr)
	}

	if err := applyBankResult(st, res, s.now()); err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w", err)
	}
	if err := s.save(ctx, st, domain.SettlementStatusProcessing, domain.EventSettlementProcessed); err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w", err)
	}

	log.Info("settlement processed", "status", st.Status)
	return st, nil
}

// applyBankResult leaves the settlement PROCESSING for any status other than
// COMPLETED or FAILED; ConfirmSettlement resolves it later.
func applyBankResult(st *domain.Settlement, res *provider.SettlementResult, now time.Time) error {
	switch res.Status {
	case provider.BankStatusCompleted:
		var txID string
		if res.TransactionID != nil {
			txID = *res.TransactionID
		}
		return st.Complete(txID, now)
	case provider.BankStatusFailed:
		reason := "bank reported failure"
		if res.FailureReason != nil && *res.FailureReason != "" {
			reason = *res.FailureReason
		}
		return st.Fail(reason, now)
	default:
		return nil
	}
}

// Outcome is the bank's final word on a settlement left PROCESSING.
type Outcome struct {
	Completed     bool
	TransactionID string
	FailureReason string
}

// ConfirmSettlement resolves a PROCESSING settlement. Confirming a settlement
// that already reached the same terminal state is a no-op.
func (s *Service) ConfirmSettlement(ctx context.Context, id uuid.UUID, outcome Outcome) (*domain.Settlement, error) {
	st, err := s.settlements.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ConfirmSettlement: %w", err)
	}

	if outcome.resolved(st) {
		return st, nil
	}

	from := st.Status
	now := s.now()
	if outcome.Completed {
		err = st.Complete(outcome.TransactionID, now)
	} else {
		reason := outcome.FailureReason
		if reason == "" {
			reason = "bank reported failure"
		}
		err = st.Fail(reason, now)
	}
	if err != nil {
		return nil, fmt.Errorf("ConfirmSettlement: %w", err)
	}
	if err := s.save(ctx, st, from, domain.EventSettlementProcessed); err != nil {
		if isConflict(err) {
			// a concurrent confirmation may have resolved it the same way
			if cur, getErr := s.settlements.GetByID(ctx, id); getErr == nil && outcome.resolved(cur) {
				return cur, nil
			}
		}
		return nil, fmt.Errorf("ConfirmSettlement: %w", err)
	}

	logging.FromContext(ctx).Info("settlement confirmed", "settlement_id", st.ID, "status", st.Status)
	return st, nil
}

// resolved reports whether st already reached the state o describes.
func (o Outcome) resolved(st *domain.Settlement) bool {
	if o.Completed {
		return st.Status == domain.SettlementStatusCompleted
	}
	return st.Status == domain.SettlementStatusFailed
}

// ProcessDue pays out up to limit due settlements. A failing settlement is
// logged and does not stop the sweep.
func (s *Service) ProcessDue(ctx context.Context, limit int) (int, error) {
	log := logging.FromContext(ctx)

	due, err := s.settlements.ListDue(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("ProcessDue: %w", err)
	}

	processed := 0
	for _, st := range due {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("ProcessDue: %w", err)
		}
		if _, err := s.process(ctx, st); err != nil {
			log.Warn("due settlement not processed", "settlement_id", st.ID, "error", err)
			continue
		}
		processed++
	}

	if len(due) > 0 {
		log.Info("settlement sweep finished", "due", len(due), "processed", processed)
	}
	return processed, nil
}
