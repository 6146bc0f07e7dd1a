package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const outboxColumns = `id, type, routing_key, version, trace_id, idempotency_key, payload, occurred_at`

// OutboxRepository implements event publication as a transactional outbox.
// A relay outside this service forwards rows to the broker.
type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Publish writes e on its own. State changes that emit events use PublishTx
// so the row commits or rolls back with them.
func (r *OutboxRepository) Publish(ctx context.Context, e *domain.Event) error {
	if err := insertEvent(ctx, r.db, e); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}
	return nil
}

func (r *OutboxRepository) PublishTx(ctx context.Context, tx *sql.Tx, e *domain.Event) error {
	if err := insertEvent(ctx, tx, e); err != nil {
		return fmt.Errorf("PublishTx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, e *domain.Event) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.RoutingKey, e.Version, e.TraceID, e.IdempotencyKey,
		string(e.Payload), e.Timestamp,
	)
	return err
}

func (r *OutboxRepository) ListUnpublished(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		WHERE published_at IS NULL ORDER BY occurred_at LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUnpublished: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(
			&e.ID, &e.Type, &e.RoutingKey, &e.Version, &e.TraceID, &e.IdempotencyKey,
			&payload, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("ListUnpublished: scan: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListUnpublished: rows: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = $1 WHERE id = $2 AND published_at IS NULL`, at, id,
	)
	if err != nil {
		return fmt.Errorf("MarkPublished: %w", err)
	}
	return checkAffected(res, "MarkPublished")
}
