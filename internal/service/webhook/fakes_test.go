package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/alert"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/service/settlement"
)

type memDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]domain.WebhookDelivery
	released   int
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{deliveries: map[uuid.UUID]domain.WebhookDelivery{}}
}

func (s *memDeliveryStore) add(d domain.WebhookDelivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
}

func (s *memDeliveryStore) get(id uuid.UUID) domain.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id]
}

func (s *memDeliveryStore) Claim(_ context.Context, id uuid.UUID, now time.Time) (*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != domain.WebhookDeliveryStatusPending {
		return nil, domain.ErrNotFound
	}
	d.Status = domain.WebhookDeliveryStatusProcessing
	d.ClaimedAt = &now
	s.deliveries[id] = d
	return &d, nil
}

func (s *memDeliveryStore) RecordAttempt(_ context.Context, id uuid.UUID, attempts int, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Attempts = attempts
	d.LastError = lastError
	s.deliveries[id] = d
	return nil
}

func (s *memDeliveryStore) finish(id uuid.UUID, status domain.WebhookDeliveryStatus, lastError *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != domain.WebhookDeliveryStatusProcessing {
		return domain.ErrNotFound
	}
	d.Status = status
	if lastError != nil {
		d.LastError = lastError
	}
	d.FinishedAt = &now
	s.deliveries[id] = d
	return nil
}

func (s *memDeliveryStore) MarkProcessed(_ context.Context, id uuid.UUID, now time.Time) error {
	return s.finish(id, domain.WebhookDeliveryStatusProcessed, nil, now)
}

func (s *memDeliveryStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string, now time.Time) error {
	return s.finish(id, domain.WebhookDeliveryStatusFailed, &lastError, now)
}

func (s *memDeliveryStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != domain.WebhookDeliveryStatusProcessing {
		return domain.ErrNotFound
	}
	d.Status = domain.WebhookDeliveryStatusPending
	d.ClaimedAt = nil
	s.deliveries[id] = d
	s.released++
	return nil
}

func (s *memDeliveryStore) ListPending(_ context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status == domain.WebhookDeliveryStatusPending && len(out) < limit {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (s *memDeliveryStore) ResetStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deliveries {
		if d.Status == domain.WebhookDeliveryStatusProcessing && d.ClaimedAt != nil && d.ClaimedAt.Before(cutoff) {
			d.Status = domain.WebhookDeliveryStatusPending
			d.ClaimedAt = nil
			s.deliveries[id] = d
			n++
		}
	}
	return n, nil
}

type memAuditLog struct {
	mu       sync.Mutex
	attempts []domain.WebhookAttempt
}

func (l *memAuditLog) Record(_ context.Context, a *domain.WebhookAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *a)
	return nil
}

func (l *memAuditLog) all() []domain.WebhookAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.WebhookAttempt(nil), l.attempts...)
}

type fakeAlerts struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (f *fakeAlerts) Send(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	mu        sync.Mutex
	processed int
	errored   int
	observed  int
}

func (r *fakeRecorder) Processed(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
}

func (r *fakeRecorder) Errored(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored++
}

func (r *fakeRecorder) ObserveDuration(string, string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed++
}

type fakeCharges struct {
	// withRef is searched by merchant and external reference.
	withRef []*domain.Charge
	byTxID  map[string]*domain.Charge
	err     error
}

func (f *fakeCharges) GetByExternalRef(_ context.Context, merchantID, ref string) (*domain.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.withRef {
		if c.MerchantID == merchantID && c.ExternalRef != nil && *c.ExternalRef == ref {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCharges) GetByTxID(_ context.Context, txID string) (*domain.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.byTxID[txID]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound
}

type paidCall struct {
	chargeID uuid.UUID
	txID     string
	paidAt   time.Time
}

type fakePayer struct {
	calls []paidCall
	err   error
}

func (f *fakePayer) MarkPaid(_ context.Context, c *domain.Charge, txID string, paidAt time.Time) (bool, error) {
	f.calls = append(f.calls, paidCall{chargeID: c.ID, txID: txID, paidAt: paidAt})
	if f.err != nil {
		return false, f.err
	}
	if c.IsPaid() {
		return false, nil
	}
	return true, c.MarkPaid(txID, paidAt)
}

type confirmCall struct {
	id      uuid.UUID
	outcome settlement.Outcome
}

type fakeConfirmer struct {
	calls []confirmCall
	err   error
}

func (f *fakeConfirmer) ConfirmSettlement(_ context.Context, id uuid.UUID, outcome settlement.Outcome) (*domain.Settlement, error) {
	f.calls = append(f.calls, confirmCall{id: id, outcome: outcome})
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Settlement{ID: id}, nil
}
