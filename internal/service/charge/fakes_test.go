package charge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/provider"
)

// memChargeRepo keeps copies so callers cannot mutate stored state.
type memChargeRepo struct {
	mu      sync.Mutex
	charges map[uuid.UUID]domain.Charge
	splits  map[uuid.UUID][]*domain.ChargeSplit
	fees    map[uuid.UUID][]*domain.Fee

	// hiddenKey makes the first lookup of that key miss, simulating a
	// concurrent insert that lands between lookup and create.
	hiddenKey string
	addFeeErr error
	updateErr error
	lookups   int
	// afterList runs after every ListExpirable, outside the lock.
	afterList func()
}

func newMemChargeRepo() *memChargeRepo {
	return &memChargeRepo{
		charges: map[uuid.UUID]domain.Charge{},
		splits:  map[uuid.UUID][]*domain.ChargeSplit{},
		fees:    map[uuid.UUID][]*domain.Fee{},
	}
}

func (r *memChargeRepo) Create(_ context.Context, _ *sql.Tx, c *domain.Charge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.charges {
		if existing.IdempotencyKey == c.IdempotencyKey {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	r.charges[c.ID] = *c
	return nil
}

func (r *memChargeRepo) Transition(_ context.Context, _ *sql.Tx, c *domain.Charge, from domain.ChargeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	cur, ok := r.charges[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("stored status %s: %w", cur.Status, domain.ErrInvalidStateTransition)
	}
	r.charges[c.ID] = *c
	return nil
}

// put overwrites a stored charge regardless of status.
func (r *memChargeRepo) put(c *domain.Charge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charges[c.ID] = *c
}

func (r *memChargeRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charges[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r *memChargeRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if key == r.hiddenKey && r.lookups == 1 {
		return nil, domain.ErrNotFound
	}
	for _, c := range r.charges {
		if c.IdempotencyKey == key {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memChargeRepo) AddSplit(_ context.Context, _ *sql.Tx, s *domain.ChargeSplit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splits[s.ChargeID] = append(r.splits[s.ChargeID], s)
	return nil
}

func (r *memChargeRepo) AddFee(_ context.Context, _ *sql.Tx, f *domain.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addFeeErr != nil {
		return r.addFeeErr
	}
	r.fees[f.ChargeID] = append(r.fees[f.ChargeID], f)
	return nil
}

func (r *memChargeRepo) ListSplits(_ context.Context, chargeID uuid.UUID) ([]*domain.ChargeSplit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.splits[chargeID], nil
}

func (r *memChargeRepo) ListFees(_ context.Context, chargeID uuid.UUID) ([]*domain.Fee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fees[chargeID], nil
}

func (r *memChargeRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]*domain.Charge, error) {
	r.mu.Lock()
	var out []*domain.Charge
	for _, c := range r.charges {
		if c.Status == domain.ChargeStatusPending && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			out = append(out, &c)
		}
		if len(out) == limit {
			break
		}
	}
	hook := r.afterList
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memChargeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.charges)
}

// snapshot and restore give fakeTx rollback semantics.
func (r *memChargeRepo) snapshot() (map[uuid.UUID]domain.Charge, map[uuid.UUID][]*domain.ChargeSplit, map[uuid.UUID][]*domain.Fee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.charges), maps.Clone(r.splits), maps.Clone(r.fees)
}

func (r *memChargeRepo) restore(c map[uuid.UUID]domain.Charge, s map[uuid.UUID][]*domain.ChargeSplit, f map[uuid.UUID][]*domain.Fee) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charges, r.splits, r.fees = c, s, f
}

// fakeTx serializes transactions and undoes repo and outbox writes on error.
type fakeTx struct {
	mu     *sync.Mutex
	repo   *memChargeRepo
	events *fakePublisher
}

func (f fakeTx) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, s, fe := f.repo.snapshot()
	published := f.events.count()
	if err := fn(nil); err != nil {
		f.repo.restore(c, s, fe)
		f.events.truncate(published)
		return err
	}
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	pixCalls   int
	boleto     int
	lastReq    provider.IssueRequest
	err        error
	pixExpires time.Time
}

func (p *fakeProvider) IssuePixCharge(_ context.Context, req provider.IssueRequest) (*provider.PixCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pixCalls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	expires := req.ExpiresAt
	if !p.pixExpires.IsZero() {
		expires = p.pixExpires
	}
	return &provider.PixCharge{QRCode: "qr-" + req.ChargeID, CopyPaste: "cp-" + req.ChargeID, ExpiresAt: expires}, nil
}

func (p *fakeProvider) IssueBoletoCharge(_ context.Context, req provider.IssueRequest) (*provider.BoletoCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boleto++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &provider.BoletoCharge{URL: "https://boleto.test/" + req.ChargeID, ExpiresAt: req.ExpiresAt}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (p *fakePublisher) PublishTx(_ context.Context, _ *sql.Tx, e *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakePublisher) truncate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = p.events[:n]
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errBoom = errors.New("boom")
