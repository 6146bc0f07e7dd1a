package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const settlementColumns = `id, merchant_id, amount_cents, currency, status,
	scheduled_for, processed_at, bank_account_id, provider_tx_id, failure_reason,
	metadata, created_at, updated_at`

type SettlementRepository struct {
	db *sql.DB
}

func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

func (r *SettlementRepository) Create(ctx context.Context, tx *sql.Tx, s *domain.Settlement) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (
			id, merchant_id, amount_cents, currency, status,
			scheduled_for, processed_at, bank_account_id, provider_tx_id, failure_reason,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.MerchantID, s.AmountCents, s.Currency, s.Status,
		s.ScheduledFor, s.ProcessedAt, s.BankAccountID, s.ProviderTxID, s.FailureReason,
		nullJSON(s.Metadata), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// Transition writes s only while the stored status is still from. A
// settlement that moved on since it was read yields ErrInvalidStateTransition.
func (r *SettlementRepository) Transition(ctx context.Context, tx *sql.Tx, s *domain.Settlement, from domain.SettlementStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE settlements SET
			status = $1, scheduled_for = $2, processed_at = $3, bank_account_id = $4,
			provider_tx_id = $5, failure_reason = $6, metadata = $7, updated_at = $8
		WHERE id = $9 AND status = $10`,
		s.Status, s.ScheduledFor, s.ProcessedAt, s.BankAccountID,
		s.ProviderTxID, s.FailureReason, nullJSON(s.Metadata), s.UpdatedAt,
		s.ID, from,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	return checkTransition(ctx, tx, res, "settlements", s.ID, "Transition")
}

func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id,
	)
	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return s, nil
}

// ListDue returns settlements a sweep may pay out at now: SCHEDULED ones past
// their date and PENDING ones that already carry a bank account.
func (r *SettlementRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Settlement, error) {
	return r.list(ctx, "ListDue",
		`SELECT `+settlementColumns+` FROM settlements
		WHERE (status = $1 AND scheduled_for <= $2)
		   OR (status = $3 AND bank_account_id IS NOT NULL)
		ORDER BY COALESCE(scheduled_for, created_at) LIMIT $4`,
		domain.SettlementStatusScheduled, now, domain.SettlementStatusPending, limit,
	)
}

func (r *SettlementRepository) ListByMerchant(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Settlement, error) {
	return r.list(ctx, "ListByMerchant",
		`SELECT `+settlementColumns+` FROM settlements
		WHERE merchant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		merchantID, start, end,
	)
}

func (r *SettlementRepository) list(ctx context.Context, op, query string, args ...any) ([]*domain.Settlement, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var settlements []*domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		settlements = append(settlements, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return settlements, nil
}

func scanSettlement(sc scanner) (*domain.Settlement, error) {
	var s domain.Settlement
	var metadata *[]byte

	err := sc.Scan(
		&s.ID, &s.MerchantID, &s.AmountCents, &s.Currency, &s.Status,
		&s.ScheduledFor, &s.ProcessedAt, &s.BankAccountID, &s.ProviderTxID, &s.FailureReason,
		&metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != nil {
		s.Metadata = *metadata
	}
	return &s, nil
}
