package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const reconciliationColumns = `id, merchant_id, type, status, start_date, end_date,
	matches, unmatched_charges, unmatched_transactions,
	total_amount_cents, matched_amount_cents, failure_reason, processed_at,
	created_at, updated_at`

type ReconciliationRepository struct {
	db *sql.DB
}

func NewReconciliationRepository(db *sql.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

func (r *ReconciliationRepository) Create(ctx context.Context, rec *domain.Reconciliation) error {
	matches, unmatchedCharges, unmatchedTxs, err := encodeReconciliationSets(rec)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO reconciliations (
			id, merchant_id, type, status, start_date, end_date,
			matches, unmatched_charges, unmatched_transactions,
			total_amount_cents, matched_amount_cents, failure_reason, processed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.MerchantID, rec.Type, rec.Status, rec.StartDate, rec.EndDate,
		string(matches), string(unmatchedCharges), string(unmatchedTxs),
		rec.TotalAmountCents, rec.MatchedAmountCents, rec.FailureReason, rec.ProcessedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *ReconciliationRepository) Update(ctx context.Context, rec *domain.Reconciliation) error {
	matches, unmatchedCharges, unmatchedTxs, err := encodeReconciliationSets(rec)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE reconciliations SET
			status = $1, matches = $2, unmatched_charges = $3, unmatched_transactions = $4,
			total_amount_cents = $5, matched_amount_cents = $6, failure_reason = $7,
			processed_at = $8, updated_at = $9
		WHERE id = $10`,
		rec.Status, string(matches), string(unmatchedCharges), string(unmatchedTxs),
		rec.TotalAmountCents, rec.MatchedAmountCents, rec.FailureReason,
		rec.ProcessedAt, rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return checkAffected(res, "Update")
}

func (r *ReconciliationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Reconciliation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = $1`, id,
	)
	rec, err := scanReconciliation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return rec, nil
}

// ListByMerchant returns the merchant's most recent reconciliations first.
func (r *ReconciliationRepository) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*domain.Reconciliation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations
		WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		merchantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByMerchant: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByMerchant: scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByMerchant: rows: %w", err)
	}
	return recs, nil
}

func encodeReconciliationSets(rec *domain.Reconciliation) (matches, charges, txs []byte, err error) {
	if matches, err = json.Marshal(orEmpty(rec.Matches)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode matches: %w", err)
	}
	if charges, err = json.Marshal(orEmpty(rec.UnmatchedCharges)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode unmatched charges: %w", err)
	}
	if txs, err = json.Marshal(orEmpty(rec.UnmatchedTransactions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode unmatched transactions: %w", err)
	}
	return matches, charges, txs, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanReconciliation(s scanner) (*domain.Reconciliation, error) {
	var rec domain.Reconciliation
	var matches, unmatchedCharges, unmatchedTxs []byte

	err := s.Scan(
		&rec.ID, &rec.MerchantID, &rec.Type, &rec.Status, &rec.StartDate, &rec.EndDate,
		&matches, &unmatchedCharges, &unmatchedTxs,
		&rec.TotalAmountCents, &rec.MatchedAmountCents, &rec.FailureReason, &rec.ProcessedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(matches, &rec.Matches); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	if err := json.Unmarshal(unmatchedCharges, &rec.UnmatchedCharges); err != nil {
		return nil, fmt.Errorf("decode unmatched charges: %w", err)
	}
	if err := json.Unmarshal(unmatchedTxs, &rec.UnmatchedTransactions); err != nil {
		return nil, fmt.Errorf("decode unmatched transactions: %w", err)
	}
	return &rec, nil
}
