package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const webhookAttemptColumns = `id, provider, event_type, event_id, status, attempt,
	signature_valid, error, payload, created_at`

// WebhookAttemptRepository is the append-only audit trail of webhook
// processing. Rows are never updated.
type WebhookAttemptRepository struct {
	db *sql.DB
}

func NewWebhookAttemptRepository(db *sql.DB) *WebhookAttemptRepository {
	return &WebhookAttemptRepository{db: db}
}

func (r *WebhookAttemptRepository) Record(ctx context.Context, a *domain.WebhookAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_attempts (`+webhookAttemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Provider, a.EventType, a.EventID, a.Status, a.Attempt,
		a.SignatureValid, a.Error, string(a.Payload), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

// ListByEvent reads the trail back for manual recovery tooling.
func (r *WebhookAttemptRepository) ListByEvent(ctx context.Context, provider, eventID string) ([]domain.WebhookAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookAttemptColumns+` FROM webhook_attempts
		WHERE provider = $1 AND event_id = $2 ORDER BY attempt, created_at`,
		provider, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByEvent: %w", err)
	}
	defer rows.Close()

	var attempts []domain.WebhookAttempt
	for rows.Next() {
		var a domain.WebhookAttempt
		var payload string
		if err := rows.Scan(
			&a.ID, &a.Provider, &a.EventType, &a.EventID, &a.Status, &a.Attempt,
			&a.SignatureValid, &a.Error, &payload, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ListByEvent: scan: %w", err)
		}
		a.Payload = []byte(payload)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByEvent: rows: %w", err)
	}
	return attempts, nil
}
