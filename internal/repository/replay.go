package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

// ReplayScope is one merchant's use of an Idempotency-Key on one route. The
// same key on another route is a different request.
type ReplayScope struct {
	MerchantID string
	Route      string
	Key        string
}

// StoredResponse is the first answer given to a scope, replayed verbatim
// until it expires. Fingerprint identifies the request that produced it.
type StoredResponse struct {
	ReplayScope
	Fingerprint string
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type ReplayRepository struct {
	db *sql.DB
}

func NewReplayRepository(db *sql.DB) *ReplayRepository {
	return &ReplayRepository{db: db}
}

// Find returns the live response stored for scope at now, or ErrNotFound.
func (r *ReplayRepository) Find(ctx context.Context, scope ReplayScope, now time.Time) (*StoredResponse, error) {
	resp := StoredResponse{ReplayScope: scope}
	err := r.db.QueryRowContext(ctx,
		`SELECT request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_cache
		WHERE merchant_id = $1 AND route = $2 AND idempotency_key = $3 AND expires_at > $4`,
		scope.MerchantID, scope.Route, scope.Key, now,
	).Scan(&resp.Fingerprint, &resp.StatusCode, &resp.Body, &resp.CreatedAt, &resp.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Find: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Find: %w", err)
	}
	return &resp, nil
}

// Remember stores resp unless its scope already holds a response. It reports
// whether resp was the one stored.
func (r *ReplayRepository) Remember(ctx context.Context, resp *StoredResponse) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_cache (
			merchant_id, route, idempotency_key, request_hash, status_code, response_body, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (merchant_id, route, idempotency_key) DO NOTHING`,
		resp.MerchantID, resp.Route, resp.Key, resp.Fingerprint, resp.StatusCode, resp.Body, resp.CreatedAt, resp.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("Remember: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Remember: rows affected: %w", err)
	}
	return n == 1, nil
}

// PurgeExpired deletes responses that expired before now.
func (r *ReplayRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: rows affected: %w", err)
	}
	return n, nil
}
