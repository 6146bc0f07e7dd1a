package charge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/config"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/provider"
)

type chargeRepo interface {
	Create(ctx context.Context, tx *sql.Tx, c *domain.Charge) error
	Transition(ctx context.Context, tx *sql.Tx, c *domain.Charge, from domain.ChargeStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Charge, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Charge, error)
	AddSplit(ctx context.Context, tx *sql.Tx, s *domain.ChargeSplit) error
	AddFee(ctx context.Context, tx *sql.Tx, f *domain.Fee) error
	ListSplits(ctx context.Context, chargeID uuid.UUID) ([]*domain.ChargeSplit, error)
	ListFees(ctx context.Context, chargeID uuid.UUID) ([]*domain.Fee, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Charge, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

type paymentProvider interface {
	IssuePixCharge(ctx context.Context, req provider.IssueRequest) (*provider.PixCharge, error)
	IssueBoletoCharge(ctx context.Context, req provider.IssueRequest) (*provider.BoletoCharge, error)
}

// publisher writes events inside the caller's transaction.
type publisher interface {
	PublishTx(ctx context.Context, tx *sql.Tx, e *domain.Event) error
}

type Service struct {
	charges  chargeRepo
	tx       txRunner
	provider paymentProvider
	events   publisher
	config   *config.Config
	now      func() time.Time
}

func NewService(
	charges chargeRepo,
	tx txRunner,
	prov paymentProvider,
	events publisher,
	cfg *config.Config,
) *Service {
	return &Service{
		charges:  charges,
		tx:       tx,
		provider: prov,
		events:   events,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result is a charge together with its persisted allocations.
type Result struct {
	Charge *domain.Charge
	Splits []*domain.ChargeSplit
	Fees   []*domain.Fee
	// Replayed is set when the charge already existed for the idempotency key.
	Replayed bool
}

// GetCharge returns the charge only if it belongs to merchantID.
func (s *Service) GetCharge(ctx context.Context, merchantID string, id uuid.UUID) (*Result, error) {
	c, err := s.charges.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetCharge: %w", err)
	}
	if c.MerchantID != merchantID {
		return nil, fmt.Errorf("GetCharge: %w", domain.ErrNotFound)
	}
	res, err := s.loadResult(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("GetCharge: %w", err)
	}
	return res, nil
}

func (s *Service) CancelCharge(ctx context.Context, merchantID string, id uuid.UUID) (*domain.Charge, error) {
	c, err := s.charges.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("CancelCharge: %w", err)
	}
	if c.MerchantID != merchantID {
		return nil, fmt.Errorf("CancelCharge: %w", domain.ErrNotFound)
	}

	from := c.Status
	if err := c.Cancel(s.now()); err != nil {
		return nil, fmt.Errorf("CancelCharge: %w", err)
	}
	if err := s.save(ctx, c, from, domain.EventChargeCanceled); err != nil {
		return nil, fmt.Errorf("CancelCharge: %w", err)
	}

	logging.FromContext(ctx).Info("charge canceled", "charge_id", c.ID)
	return c, nil
}

// ExpireOverdue moves up to limit overdue PENDING charges to EXPIRED and
// reports how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	log := logging.FromContext(ctx)
	now := s.now()

	overdue, err := s.charges.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("ExpireOverdue: %w", err)
	}

	expired := 0
	for _, c := range overdue {
		from := c.Status
		if err := c.Expire(now); err != nil {
			log.Warn("charge not expirable", "charge_id", c.ID, "status", c.Status)
			continue
		}
		if err := s.save(ctx, c, from, domain.EventChargeExpired); err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				log.Info("charge settled before expiry", "charge_id", c.ID)
				continue
			}
			return expired, fmt.Errorf("ExpireOverdue: %w", err)
		}
		expired++
	}

	if expired > 0 {
		log.Info("overdue charges expired", "count", expired)
	}
	return expired, nil
}

// MarkPaid applies an externally observed payment. Paying an already PAID
// charge is a no-op and returns false, including when c is a stale copy of a
// charge another caller paid first. txID may be empty when the provider did
// not report one.
func (s *Service) MarkPaid(ctx context.Context, c *domain.Charge, txID string, paidAt time.Time) (bool, error) {
	if c.IsPaid() {
		return false, nil
	}
	paid := *c
	if err := paid.MarkPaid(txID, paidAt); err != nil {
		return false, fmt.Errorf("MarkPaid: %w", err)
	}
	if err := s.save(ctx, &paid, c.Status, domain.EventChargePaid); err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// report the stored state to the caller
			if cur, getErr := s.charges.GetByID(ctx, c.ID); getErr == nil {
				*c = *cur
				if cur.IsPaid() {
					return false, nil
				}
			}
		}
		return false, fmt.Errorf("MarkPaid: %w", err)
	}
	*c = paid

	logging.FromContext(ctx).Info("charge paid", "charge_id", c.ID, "provider_tx_id", txID)
	return true, nil
}

func (s *Service) loadResult(ctx context.Context, c *domain.Charge) (*Result, error) {
	splits, err := s.charges.ListSplits(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	fees, err := s.charges.ListFees(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Charge: c, Splits: splits, Fees: fees}, nil
}

// save writes c if its stored status is still from, together with an
// eventType event when one is given.
func (s *Service) save(ctx context.Context, c *domain.Charge, from domain.ChargeStatus, eventType string) error {
	return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.charges.Transition(ctx, tx, c, from); err != nil {
			return err
		}
		if eventType == "" {
			return nil
		}
		return s.publish(ctx, tx, eventType, statusSnapshot(c), c.IdempotencyKey)
	})
}

func (s *Service) publish(ctx context.Context, tx *sql.Tx, eventType string, payload any, key string) error {
	e, err := domain.NewEvent(eventType, payload, s.now())
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	e.WithTrace(key).WithIdempotencyKey(key)
	return s.events.PublishTx(ctx, tx, e)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
