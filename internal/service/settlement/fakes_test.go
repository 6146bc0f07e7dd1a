package settlement

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

type memSettlementRepo struct {
	mu          sync.Mutex
	settlements map[uuid.UUID]domain.Settlement
	// history records every persisted status in order.
	history   []domain.SettlementStatus
	updateErr error
	// afterGet runs after every GetByID, outside the lock.
	afterGet func()
}

func newMemSettlementRepo() *memSettlementRepo {
	return &memSettlementRepo{settlements: map[uuid.UUID]domain.Settlement{}}
}

func (r *memSettlementRepo) Create(_ context.Context, _ *sql.Tx, s *domain.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements[s.ID] = *s
	r.history = append(r.history, s.Status)
	return nil
}

func (r *memSettlementRepo) Transition(_ context.Context, _ *sql.Tx, s *domain.Settlement, from domain.SettlementStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	cur, ok := r.settlements[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("stored status %s: %w", cur.Status, domain.ErrInvalidStateTransition)
	}
	r.settlements[s.ID] = *s
	r.history = append(r.history, s.Status)
	return nil
}

func (r *memSettlementRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Settlement, error) {
	r.mu.Lock()
	s, ok := r.settlements[id]
	hook := r.afterGet
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r *memSettlementRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Settlement
	for _, s := range r.settlements {
		due := (s.Status == domain.SettlementStatusScheduled && s.ScheduledFor != nil && !now.Before(*s.ScheduledFor)) ||
			(s.Status == domain.SettlementStatusPending && s.BankAccountID != nil)
		if due && len(out) < limit {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (r *memSettlementRepo) ListByMerchant(_ context.Context, merchantID string, start, end time.Time) ([]*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Settlement
	for _, s := range r.settlements {
		if s.MerchantID == merchantID && !s.CreatedAt.Before(start) && s.CreatedAt.Before(end) {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (r *memSettlementRepo) stored(id uuid.UUID) domain.Settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settlements[id]
}

func (r *memSettlementRepo) snapshot() (map[uuid.UUID]domain.Settlement, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.settlements), len(r.history)
}

func (r *memSettlementRepo) restore(settlements map[uuid.UUID]domain.Settlement, history int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = settlements
	r.history = r.history[:history]
}

// fakeTx serializes transactions and undoes repo and outbox writes on error.
type fakeTx struct {
	mu     sync.Mutex
	repo   *memSettlementRepo
	events *fakePublisher
}

func (f *fakeTx) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	settlements, history := f.repo.snapshot()
	published := f.events.count()
	if err := fn(nil); err != nil {
		f.repo.restore(settlements, history)
		f.events.truncate(published)
		return err
	}
	return nil
}

type fakeBank struct {
	mu       sync.Mutex
	result   *provider.SettlementResult
	err      error
	requests []provider.SettlementRequest
	// statusAtCall is the persisted status observed when the bank is called.
	repo         *memSettlementRepo
	statusAtCall domain.SettlementStatus
}

func (b *fakeBank) ProcessSettlement(_ context.Context, req provider.SettlementRequest) (*provider.SettlementResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.repo != nil {
		b.statusAtCall = b.repo.stored(uuid.MustParse(req.SettlementID)).Status
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.result, nil
}

func (b *fakeBank) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
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

var errBankDown = errors.New("bank unavailable")
