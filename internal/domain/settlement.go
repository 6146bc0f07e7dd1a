package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "PENDING"
	SettlementStatusScheduled  SettlementStatus = "SCHEDULED"
	SettlementStatusProcessing SettlementStatus = "PROCESSING"
	SettlementStatusCompleted  SettlementStatus = "COMPLETED"
	SettlementStatusFailed     SettlementStatus = "FAILED"
	SettlementStatusCanceled   SettlementStatus = "CANCELED"
)

type Settlement struct {
	ID            uuid.UUID
	MerchantID    string
	AmountCents   int64
	Currency      Currency
	Status        SettlementStatus
	ScheduledFor  *time.Time
	ProcessedAt   *time.Time
	BankAccountID *string
	ProviderTxID  *string
	FailureReason *string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewSettlement(merchantID string, amountCents int64, bankAccountID *string, metadata json.RawMessage, now time.Time) (*Settlement, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, fmt.Errorf("NewSettlement: merchant id required: %w", ErrValidation)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("NewSettlement: %w", ErrInvalidAmount)
	}
	return &Settlement{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		AmountCents:   amountCents,
		Currency:      CurrencyBRL,
		Status:        SettlementStatusPending,
		BankAccountID: bankAccountID,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Settlement) Schedule(at time.Time, bankAccountID string, now time.Time) error {
	if s.Status != SettlementStatusPending {
		return fmt.Errorf("Schedule: settlement %s is %s: %w", s.ID, s.Status, ErrInvalidStateTransition)
	}
	if !at.After(now) {
		return fmt.Errorf("Schedule: scheduled time must be in the future: %w", ErrValidation)
	}
	if strings.TrimSpace(bankAccountID) == "" {
		return fmt.Errorf("Schedule: bank account required: %w", ErrValidation)
	}
	s.Status = SettlementStatusScheduled
	s.ScheduledFor = &at
	s.BankAccountID = &bankAccountID
	s.UpdatedAt = now
	return nil
}

func (s *Settlement) CanBeProcessed() bool {
	return s.Status == SettlementStatusPending || s.Status == SettlementStatusScheduled
}

// IsDue reports whether the settlement may be paid out at now. A PENDING
// settlement is always due.
func (s *Settlement) IsDue(now time.Time) bool {
	switch s.Status {
	case SettlementStatusPending:
		return true
	case SettlementStatusScheduled:
		return s.ScheduledFor != nil && !now.Before(*s.ScheduledFor)
	default:
		return false
	}
}

func (s *Settlement) StartProcessing(now time.Time) error {
	if !s.CanBeProcessed() {
		return fmt.Errorf("StartProcessing: settlement %s is %s: %w", s.ID, s.Status, ErrInvalidStateTransition)
	}
	s.Status = SettlementStatusProcessing
	s.UpdatedAt = now
	return nil
}

func (s *Settlement) Complete(providerTxID string, now time.Time) error {
	if s.Status != SettlementStatusProcessing {
		return fmt.Errorf("Complete: settlement %s is %s: %w", s.ID, s.Status, ErrInvalidStateTransition)
	}
	s.Status = SettlementStatusCompleted
	if providerTxID != "" {
		s.ProviderTxID = &providerTxID
	}
	s.ProcessedAt = &now
	s.FailureReason = nil
	s.UpdatedAt = now
	return nil
}

func (s *Settlement) Fail(reason string, now time.Time) error {
	if s.Status != SettlementStatusProcessing {
		return fmt.Errorf("Fail: settlement %s is %s: %w", s.ID, s.Status, ErrInvalidStateTransition)
	}
	s.Status = SettlementStatusFailed
	s.FailureReason = &reason
	s.ProcessedAt = &now
	s.UpdatedAt = now
	return nil
}

func (s *Settlement) Cancel(now time.Time) error {
	if !s.CanBeProcessed() {
		return fmt.Errorf("Cancel: settlement %s is %s: %w", s.ID, s.Status, ErrInvalidStateTransition)
	}
	s.Status = SettlementStatusCanceled
	s.UpdatedAt = now
	return nil
}
