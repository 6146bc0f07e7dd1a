package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/provider"
)

type settlementRepo interface {
	Create(ctx context.Context, tx *sql.Tx, s *domain.Settlement) error
	Transition(ctx context.Context, tx *sql.Tx, s *domain.Settlement, from domain.SettlementStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Settlement, error)
	ListByMerchant(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Settlement, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

type bankingPort interface {
	ProcessSettlement(ctx context.Context, req provider.SettlementRequest) (*provider.SettlementResult, error)
}

// publisher writes events inside the caller's transaction.
type publisher interface {
	PublishTx(ctx context.Context, tx *sql.Tx, e *domain.Event) error
}

type Service struct {
	settlements settlementRepo
	tx          txRunner
	bank        bankingPort
	events      publisher
	now         func() time.Time
}

func NewService(settlements settlementRepo, tx txRunner, bank bankingPort, events publisher) *Service {
	return &Service{
		settlements: settlements,
		tx:          tx,
		bank:        bank,
		events:      events,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type CreateSettlementRequest struct {
	MerchantID    string
	AmountCents   int64
	BankAccountID *string
	Metadata      json.RawMessage
}

func (s *Service) CreateSettlement(ctx context.Context, req CreateSettlementRequest) (*domain.Settlement, error) {
	st, err := domain.NewSettlement(req.MerchantID, req.AmountCents, req.BankAccountID, req.Metadata, s.now())
	if err != nil {
		return nil, fmt.Errorf("CreateSettlement: %w", err)
	}
	err = s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.settlements.Create(ctx, tx, st); err != nil {
			return err
		}
		return s.publish(ctx, tx, domain.EventSettlementCreated, st)
	})
	if err != nil {
		return nil, fmt.Errorf("CreateSettlement: %w", err)
	}

	logging.FromContext(ctx).Info("settlement created",
		"settlement_id", st.ID, "merchant_id", st.MerchantID, "amount_cents", st.AmountCents)
	return st, nil
}

// GetSettlement returns the settlement only if it belongs to merchantID.
func (s *Service) GetSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.owned(ctx, merchantID, id)
	if err != nil {
		return nil, fmt.Errorf("GetSettlement: %w", err)
	}
	return st, nil
}

// ListSettlements returns the merchant's settlements created in [start, end).
func (s *Service) ListSettlements(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Settlement, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("ListSettlements: end must be after start: %w", domain.ErrValidation)
	}
	list, err := s.settlements.ListByMerchant(ctx, merchantID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("ListSettlements: %w", err)
	}
	return list, nil
}

func (s *Service) ScheduleSettlement(ctx context.Context, merchantID string, id uuid.UUID, at time.Time, bankAccountID string) (*domain.Settlement, error) {
	st, err := s.owned(ctx, merchantID, id)
	if err != nil {
		return nil, fmt.Errorf("ScheduleSettlement: %w", err)
	}
	from := st.Status
	if err := st.Schedule(at.UTC(), bankAccountID, s.now()); err != nil {
		return nil, fmt.Errorf("ScheduleSettlement: %w", err)
	}
	if err := s.save(ctx, st, from, domain.EventSettlementScheduled); err != nil {
		return nil, fmt.Errorf("ScheduleSettlement: %w", err)
	}

	logging.FromContext(ctx).Info("settlement scheduled", "settlement_id", st.ID, "scheduled_for", at)
	return st, nil
}

func (s *Service) CancelSettlement(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.owned(ctx, merchantID, id)
	if err != nil {
		return nil, fmt.Errorf("CancelSettlement: %w", err)
	}
	from := st.Status
	if err := st.Cancel(s.now()); err != nil {
		return nil, fmt.Errorf("CancelSettlement: %w", err)
	}
	if err := s.save(ctx, st, from, ""); err != nil {
		return nil, fmt.Errorf("CancelSettlement: %w", err)
	}

	logging.FromContext(ctx).Info("settlement canceled", "settlement_id", st.ID)
	return st, nil
}

func (s *Service) owned(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Settlement, error) {
	st, err := s.settlements.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.MerchantID != merchantID {
		return nil, domain.ErrNotFound
	}
	return st, nil
}

// save writes st if its stored status is still from, together with an
// eventType event when one is given.
func (s *Service) save(ctx context.Context, st *domain.Settlement, from domain.SettlementStatus, eventType string) error {
	return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.settlements.Transition(ctx, tx, st, from); err != nil {
			return err
		}
		if eventType == "" {
			return nil
		}
		return s.publish(ctx, tx, eventType, st)
	})
}

func (s *Service) publish(ctx context.Context, tx *sql.Tx, eventType string, st *domain.Settlement) error {
	e, err := domain.NewEvent(eventType, snapshot(st), s.now())
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	e.WithTrace(st.ID.String())
	return s.events.PublishTx(ctx, tx, e)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrInvalidStateTransition)
}

type settlementSnapshot struct {
	SettlementID  string     `json:"settlement_id"`
	MerchantID    string     `json:"merchant_id"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	ProviderTxID  *string    `json:"provider_tx_id,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

func snapshot(st *domain.Settlement) settlementSnapshot {
	return settlementSnapshot{
		SettlementID:  st.ID.String(),
		MerchantID:    st.MerchantID,
		AmountCents:   st.AmountCents,
		Currency:      string(st.Currency),
		Status:        string(st.Status),
		ScheduledFor:  st.ScheduledFor,
		ProcessedAt:   st.ProcessedAt,
		ProviderTxID:  st.ProviderTxID,
		FailureReason: st.FailureReason,
	}
}
