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

const webhookDeliveryColumns = `id, provider, event_id, event_type, payload, status,
	attempts, last_error, received_at, claimed_at, finished_at`

type WebhookDeliveryRepository struct {
	db *sql.DB
}

func NewWebhookDeliveryRepository(db *sql.DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

// Create stores a newly acknowledged delivery. A second delivery of the same
// provider event id fails with domain.ErrDuplicateEvent.
func (r *WebhookDeliveryRepository) Create(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (
			id, provider, event_id, event_type, payload, status, attempts, last_error, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Provider, d.EventID, d.EventType, string(d.Payload), d.Status,
		d.Attempts, d.LastError, d.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateEvent)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *WebhookDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookDelivery, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id,
	)
	d, err := scanWebhookDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return d, nil
}

// Claim moves a pending delivery to processing and returns it. Exactly one
// caller wins; the others get domain.ErrNotFound.
func (r *WebhookDeliveryRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.WebhookDelivery, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE webhook_deliveries SET status = $1, claimed_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+webhookDeliveryColumns,
		domain.WebhookDeliveryStatusProcessing, now, id, domain.WebhookDeliveryStatusPending,
	)
	d, err := scanWebhookDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Claim: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Claim: %w", err)
	}
	return d, nil
}

// RecordAttempt persists the attempt counter so a restarted worker resumes
// the retry schedule where it stopped.
func (r *WebhookDeliveryRepository) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastError *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET attempts = $1, last_error = $2 WHERE id = $3`,
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("RecordAttempt: %w", err)
	}
	return checkAffected(res, "RecordAttempt")
}

func (r *WebhookDeliveryRepository) MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.finish(ctx, "MarkProcessed", id, domain.WebhookDeliveryStatusProcessed, nil, now)
}

func (r *WebhookDeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error {
	return r.finish(ctx, "MarkFailed", id, domain.WebhookDeliveryStatusFailed, &lastError, now)
}

func (r *WebhookDeliveryRepository) finish(ctx context.Context, op string, id uuid.UUID, status domain.WebhookDeliveryStatus, lastError *string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = $1, last_error = COALESCE($2, last_error), finished_at = $3
		WHERE id = $4 AND status = $5`,
		status, lastError, now, id, domain.WebhookDeliveryStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return checkAffected(res, op)
}

// Release hands a claimed delivery back to the pending pool, typically on
// shutdown mid-schedule.
func (r *WebhookDeliveryRepository) Release(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = $1, claimed_at = NULL WHERE id = $2 AND status = $3`,
		domain.WebhookDeliveryStatusPending, id, domain.WebhookDeliveryStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return checkAffected(res, "Release")
}

func (r *WebhookDeliveryRepository) ListPending(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		WHERE status = $1 ORDER BY received_at LIMIT $2`,
		domain.WebhookDeliveryStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}
	defer rows.Close()

	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPending: scan: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPending: rows: %w", err)
	}
	return deliveries, nil
}

// ResetStale returns deliveries stuck in processing since before cutoff to
// pending. Their worker is assumed dead.
func (r *WebhookDeliveryRepository) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		domain.WebhookDeliveryStatusPending, domain.WebhookDeliveryStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("ResetStale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ResetStale: rows affected: %w", err)
	}
	return n, nil
}

func scanWebhookDelivery(s scanner) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var payload []byte
	err := s.Scan(
		&d.ID, &d.Provider, &d.EventID, &d.EventType, &payload, &d.Status,
		&d.Attempts, &d.LastError, &d.ReceivedAt, &d.ClaimedAt, &d.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}
