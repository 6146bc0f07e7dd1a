package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const chargeColumns = `id, merchant_id, amount_cents, currency, description, status,
	method, expires_at, idempotency_key, external_ref, metadata,
	pix_qr_code, pix_copy_paste, boleto_url, provider_tx_id, paid_at,
	created_at, updated_at`

const splitColumns = `id, charge_id, merchant_id, amount_cents, percentage, created_at`

const feeColumns = `id, charge_id, type, amount_cents, created_at`

const chargeExternalRefConstraint = "charges_merchant_external_ref_key"

type ChargeRepository struct {
	db *sql.DB
}

func NewChargeRepository(db *sql.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

func (r *ChargeRepository) Create(ctx context.Context, tx *sql.Tx, c *domain.Charge) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO charges (
			id, merchant_id, amount_cents, currency, description, status,
			method, expires_at, idempotency_key, external_ref, metadata,
			pix_qr_code, pix_copy_paste, boleto_url, provider_tx_id, paid_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18
		)`,
		c.ID, c.MerchantID, c.AmountCents, c.Currency, c.Description, c.Status,
		methodValue(c.Method), c.ExpiresAt, c.IdempotencyKey, c.ExternalRef, nullJSON(c.Metadata),
		c.PixQRCode, c.PixCopyPaste, c.BoletoURL, c.ProviderTxID, c.PaidAt,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		switch constraint, ok := uniqueViolation(err); {
		case ok && constraint == chargeExternalRefConstraint:
			return fmt.Errorf("Create: %w", domain.ErrDuplicateExternalRef)
		case ok:
			return fmt.Errorf("Create: %w", domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// Transition rewrites every mutable column of c, but only while the stored
// status is still from. Attaching an instrument passes PENDING as from.
func (r *ChargeRepository) Transition(ctx context.Context, tx *sql.Tx, c *domain.Charge, from domain.ChargeStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE charges SET
			status = $1, method = $2, expires_at = $3, description = $4, metadata = $5,
			pix_qr_code = $6, pix_copy_paste = $7, boleto_url = $8,
			provider_tx_id = $9, paid_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		c.Status, methodValue(c.Method), c.ExpiresAt, c.Description, nullJSON(c.Metadata),
		c.PixQRCode, c.PixCopyPaste, c.BoletoURL,
		c.ProviderTxID, c.PaidAt, c.UpdatedAt,
		c.ID, from,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	return checkTransition(ctx, tx, res, "charges", c.ID, "Transition")
}

func (r *ChargeRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Charge, error) {
	return r.getOne(ctx, "GetByID", `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id)
}

func (r *ChargeRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Charge, error) {
	return r.getOne(ctx, "GetByIdempotencyKey", `SELECT `+chargeColumns+` FROM charges WHERE idempotency_key = $1`, key)
}

// GetByExternalRef looks a reference up within one merchant; references are
// merchant-supplied and only unique per merchant.
func (r *ChargeRepository) GetByExternalRef(ctx context.Context, merchantID, ref string) (*domain.Charge, error) {
	return r.getOne(ctx, "GetByExternalRef",
		`SELECT `+chargeColumns+` FROM charges WHERE merchant_id = $1 AND external_ref = $2`, merchantID, ref)
}

func (r *ChargeRepository) GetByTxID(ctx context.Context, txID string) (*domain.Charge, error) {
	return r.getOne(ctx, "GetByTxID",
		`SELECT `+chargeColumns+` FROM charges WHERE provider_tx_id = $1 ORDER BY created_at DESC LIMIT 1`, txID)
}

func (r *ChargeRepository) getOne(ctx context.Context, op, query string, args ...any) (*domain.Charge, error) {
	c, err := scanCharge(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ListByMerchantAndPeriod returns the merchant's charges created in [start, end).
func (r *ChargeRepository) ListByMerchantAndPeriod(ctx context.Context, merchantID string, start, end time.Time) ([]*domain.Charge, error) {
	return r.list(ctx, "ListByMerchantAndPeriod",
		`SELECT `+chargeColumns+` FROM charges
		WHERE merchant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`,
		merchantID, start, end,
	)
}

// ListExpirable returns PENDING charges whose expiry has passed.
func (r *ChargeRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Charge, error) {
	return r.list(ctx, "ListExpirable",
		`SELECT `+chargeColumns+` FROM charges
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at LIMIT $3`,
		domain.ChargeStatusPending, now, limit,
	)
}

func (r *ChargeRepository) list(ctx context.Context, op, query string, args ...any) ([]*domain.Charge, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var charges []*domain.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		charges = append(charges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return charges, nil
}

func (r *ChargeRepository) AddSplit(ctx context.Context, tx *sql.Tx, s *domain.ChargeSplit) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO charge_splits (id, charge_id, merchant_id, amount_cents, percentage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.ChargeID, s.MerchantID, s.AmountCents, nullDecimal(s.Percentage), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AddSplit: %w", err)
	}
	return nil
}

func (r *ChargeRepository) AddFee(ctx context.Context, tx *sql.Tx, f *domain.Fee) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO charge_fees (id, charge_id, type, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.ChargeID, f.Type, f.AmountCents, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("AddFee: %w", err)
	}
	return nil
}

func (r *ChargeRepository) ListSplits(ctx context.Context, chargeID uuid.UUID) ([]*domain.ChargeSplit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+splitColumns+` FROM charge_splits WHERE charge_id = $1 ORDER BY created_at, id`, chargeID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListSplits: %w", err)
	}
	defer rows.Close()

	var splits []*domain.ChargeSplit
	for rows.Next() {
		var s domain.ChargeSplit
		var pct decimal.NullDecimal
		if err := rows.Scan(&s.ID, &s.ChargeID, &s.MerchantID, &s.AmountCents, &pct, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListSplits: scan: %w", err)
		}
		if pct.Valid {
			s.Percentage = &pct.Decimal
		}
		splits = append(splits, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSplits: rows: %w", err)
	}
	return splits, nil
}

func (r *ChargeRepository) ListFees(ctx context.Context, chargeID uuid.UUID) ([]*domain.Fee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feeColumns+` FROM charge_fees WHERE charge_id = $1 ORDER BY created_at, id`, chargeID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListFees: %w", err)
	}
	defer rows.Close()

	var fees []*domain.Fee
	for rows.Next() {
		var f domain.Fee
		if err := rows.Scan(&f.ID, &f.ChargeID, &f.Type, &f.AmountCents, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListFees: scan: %w", err)
		}
		fees = append(fees, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListFees: rows: %w", err)
	}
	return fees, nil
}

func scanCharge(s scanner) (*domain.Charge, error) {
	var c domain.Charge
	var method *string
	var metadata *[]byte

	err := s.Scan(
		&c.ID, &c.MerchantID, &c.AmountCents, &c.Currency, &c.Description, &c.Status,
		&method, &c.ExpiresAt, &c.IdempotencyKey, &c.ExternalRef, &metadata,
		&c.PixQRCode, &c.PixCopyPaste, &c.BoletoURL, &c.ProviderTxID, &c.PaidAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if method != nil {
		m := domain.PaymentMethod(*method)
		c.Method = &m
	}
	if metadata != nil {
		c.Metadata = *metadata
	}
	return &c, nil
}

func methodValue(m *domain.PaymentMethod) *string {
	if m == nil {
		return nil
	}
	s := string(*m)
	return &s
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// nullJSON keeps empty metadata out of JSONB columns.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
