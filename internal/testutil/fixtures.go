package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
)

const TestMerchantID = "merchant-test"

// SeedCharge inserts a PENDING charge for merchantID created at createdAt.
func SeedCharge(t *testing.T, db *sql.DB, merchantID string, amountCents int64, createdAt time.Time) *domain.Charge {
	t.Helper()

	c, err := domain.NewCharge(domain.NewChargeParams{
		MerchantID:     merchantID,
		AmountCents:    amountCents,
		IdempotencyKey: uuid.NewString(),
	}, createdAt)
	if err != nil {
		t.Fatalf("build charge: %v", err)
	}

	err = repository.NewDB(db).WithTx(context.Background(), func(tx *sql.Tx) error {
		return repository.NewChargeRepository(db).Create(context.Background(), tx, c)
	})
	if err != nil {
		t.Fatalf("seed charge %s: %v", c.ID, err)
	}
	return c
}

// SeedPaidCharge inserts a charge already paid through provider transaction txID.
func SeedPaidCharge(t *testing.T, db *sql.DB, merchantID string, amountCents int64, txID string, createdAt time.Time) *domain.Charge {
	t.Helper()

	c := SeedCharge(t, db, merchantID, amountCents, createdAt)
	if err := c.MarkPaid(txID, createdAt.Add(time.Minute)); err != nil {
		t.Fatalf("mark charge paid: %v", err)
	}
	SaveCharge(t, db, c, domain.ChargeStatusPending)
	return c
}

// SaveCharge writes c over a stored charge whose status is still from.
func SaveCharge(t *testing.T, db *sql.DB, c *domain.Charge, from domain.ChargeStatus) {
	t.Helper()

	err := repository.NewDB(db).WithTx(context.Background(), func(tx *sql.Tx) error {
		return repository.NewChargeRepository(db).Transition(context.Background(), tx, c, from)
	})
	if err != nil {
		t.Fatalf("save charge %s: %v", c.ID, err)
	}
}

// SaveSettlement writes s over a stored settlement whose status is still from.
func SaveSettlement(t *testing.T, db *sql.DB, s *domain.Settlement, from domain.SettlementStatus) {
	t.Helper()

	err := repository.NewDB(db).WithTx(context.Background(), func(tx *sql.Tx) error {
		return repository.NewSettlementRepository(db).Transition(context.Background(), tx, s, from)
	})
	if err != nil {
		t.Fatalf("save settlement %s: %v", s.ID, err)
	}
}

func SeedSettlement(t *testing.T, db *sql.DB, merchantID string, amountCents int64, bankAccountID *string, createdAt time.Time) *domain.Settlement {
	t.Helper()

	s, err := domain.NewSettlement(merchantID, amountCents, bankAccountID, nil, createdAt)
	if err != nil {
		t.Fatalf("build settlement: %v", err)
	}
	err = repository.NewDB(db).WithTx(context.Background(), func(tx *sql.Tx) error {
		return repository.NewSettlementRepository(db).Create(context.Background(), tx, s)
	})
	if err != nil {
		t.Fatalf("seed settlement %s: %v", s.ID, err)
	}
	return s
}

func CountRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var count int
	// table names come from test code only
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return count
}

func CountOutboxEvents(t *testing.T, db *sql.DB, eventType string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox_events WHERE type = $1`, eventType).Scan(&count)
	if err != nil {
		t.Fatalf("count outbox events %s: %v", eventType, err)
	}
	return count
}
