package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReconciliationType string

const (
	ReconciliationTypeAutomatic ReconciliationType = "AUTOMATIC"
	ReconciliationTypeManual    ReconciliationType = "MANUAL"
)

func (t ReconciliationType) IsValid() bool {
	return t == ReconciliationTypeAutomatic || t == ReconciliationTypeManual
}

type ReconciliationStatus string

const (
	ReconciliationStatusPending    ReconciliationStatus = "PENDING"
	ReconciliationStatusProcessing ReconciliationStatus = "PROCESSING"
	ReconciliationStatusCompleted  ReconciliationStatus = "COMPLETED"
	ReconciliationStatusPartial    ReconciliationStatus = "PARTIAL"
	ReconciliationStatusFailed     ReconciliationStatus = "FAILED"
)

type ReconciliationMatch struct {
	ChargeID      uuid.UUID `json:"charge_id"`
	AmountCents   int64     `json:"amount_cents"`
	TransactionID string    `json:"transaction_id"`
	MatchedAt     time.Time `json:"matched_at"`
}

type Reconciliation struct {
	ID                    uuid.UUID
	MerchantID            string
	Type                  ReconciliationType
	Status                ReconciliationStatus
	StartDate             time.Time
	EndDate               time.Time
	Matches               []ReconciliationMatch
	UnmatchedCharges      []uuid.UUID
	UnmatchedTransactions []string
	TotalAmountCents      int64
	MatchedAmountCents    int64
	FailureReason         *string
	ProcessedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func NewReconciliation(merchantID string, typ ReconciliationType, start, end time.Time, now time.Time) (*Reconciliation, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, fmt.Errorf("NewReconciliation: merchant id required: %w", ErrValidation)
	}
	if !typ.IsValid() {
		return nil, fmt.Errorf("NewReconciliation: unknown type %q: %w", typ, ErrValidation)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("NewReconciliation: end date must be after start date: %w", ErrValidation)
	}
	return &Reconciliation{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Type:       typ,
		Status:     ReconciliationStatusPending,
		StartDate:  start,
		EndDate:    end,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (r *Reconciliation) StartProcessing(totalAmountCents int64) error {
	if r.Status != ReconciliationStatusPending {
		return fmt.Errorf("StartProcessing: reconciliation %s is %s: %w", r.ID, r.Status, ErrInvalidStateTransition)
	}
	if totalAmountCents < 0 {
		return fmt.Errorf("StartProcessing: negative total: %w", ErrValidation)
	}
	r.Status = ReconciliationStatusProcessing
	r.TotalAmountCents = totalAmountCents
	return nil
}

func (r *Reconciliation) requireProcessing(op string) error {
	if r.Status != ReconciliationStatusProcessing {
		return fmt.Errorf("%s: reconciliation %s is %s: %w", op, r.ID, r.Status, ErrInvalidStateTransition)
	}
	return nil
}

// AddMatch records a charge/transaction pair. A charge already matched is
// ignored so repeated passes over the same ledger never double count.
func (r *Reconciliation) AddMatch(chargeID uuid.UUID, amountCents int64, transactionID string, at time.Time) error {
	if err := r.requireProcessing("AddMatch"); err != nil {
		return err
	}
	for _, m := range r.Matches {
		if m.ChargeID == chargeID {
			return nil
		}
	}
	r.Matches = append(r.Matches, ReconciliationMatch{
		ChargeID:      chargeID,
		AmountCents:   amountCents,
		TransactionID: transactionID,
		MatchedAt:     at,
	})
	r.MatchedAmountCents += amountCents
	return nil
}

func (r *Reconciliation) AddUnmatchedCharge(chargeID uuid.UUID) error {
	if err := r.requireProcessing("AddUnmatchedCharge"); err != nil {
		return err
	}
	if !slices.Contains(r.UnmatchedCharges, chargeID) {
		r.UnmatchedCharges = append(r.UnmatchedCharges, chargeID)
	}
	return nil
}

func (r *Reconciliation) AddUnmatchedTransaction(transactionID string) error {
	if err := r.requireProcessing("AddUnmatchedTransaction"); err != nil {
		return err
	}
	if !slices.Contains(r.UnmatchedTransactions, transactionID) {
		r.UnmatchedTransactions = append(r.UnmatchedTransactions, transactionID)
	}
	return nil
}

func (r *Reconciliation) HasUnmatched() bool {
	return len(r.UnmatchedCharges) > 0 || len(r.UnmatchedTransactions) > 0
}

func (r *Reconciliation) Complete(now time.Time) error {
	if err := r.requireProcessing("Complete"); err != nil {
		return err
	}
	if r.HasUnmatched() {
		r.Status = ReconciliationStatusPartial
	} else {
		r.Status = ReconciliationStatusCompleted
	}
	r.ProcessedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail is valid from any non-terminal state.
func (r *Reconciliation) Fail(reason string, now time.Time) error {
	if r.Status != ReconciliationStatusPending && r.Status != ReconciliationStatusProcessing {
		return fmt.Errorf("Fail: reconciliation %s is %s: %w", r.ID, r.Status, ErrInvalidStateTransition)
	}
	r.Status = ReconciliationStatusFailed
	r.FailureReason = &reason
	r.ProcessedAt = &now
	r.UpdatedAt = now
	return nil
}

// MatchRate is the matched share of the reconciled total, as a percentage
// rounded to two places. Zero when nothing was reconciled.
func (r *Reconciliation) MatchRate() float64 {
	if r.TotalAmountCents == 0 {
		return 0
	}
	rate := decimal.NewFromInt(r.MatchedAmountCents).
		Div(decimal.NewFromInt(r.TotalAmountCents)).
		Mul(hundred).
		Round(2)
	return rate.InexactFloat64()
}

// ExternalTransaction is one entry of the provider's transaction ledger.
type ExternalTransaction struct {
	ID          string
	ExternalRef *string
	AmountCents int64
	Status      string
	OccurredAt  time.Time
}
