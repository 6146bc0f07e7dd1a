package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonadableite/turbofy-gateway/internal/alert"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

// RetrySchedule is the delay before each attempt; its length is the attempt
// budget.
var RetrySchedule = domain.WebhookRetrySchedule

type deliveryStore interface {
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.WebhookDelivery, error)
	RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastError *string) error
	MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error
	Release(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error)
	ResetStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type auditLog interface {
	Record(ctx context.Context, a *domain.WebhookAttempt) error
}

type recorder interface {
	Processed(provider, eventType string)
	Errored(provider, eventType string)
	ObserveDuration(provider, eventType string, d time.Duration)
}

type PipelineConfig struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// Pipeline applies acknowledged deliveries in the background. Admission is
// bounded by the queue: a delivery that does not fit stays pending in the
// store until the recovery poller picks it up.
type Pipeline struct {
	store    deliveryStore
	audit    auditLog
	alerts   alert.Sender
	metrics  recorder
	handlers map[string]Handler
	config   PipelineConfig
	queue    chan uuid.UUID
	schedule []time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewPipeline(
	store deliveryStore,
	audit auditLog,
	alerts alert.Sender,
	metrics recorder,
	handlers map[string]Handler,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Pipeline{
		store:    store,
		audit:    audit,
		alerts:   alerts,
		metrics:  metrics,
		handlers: handlers,
		config:   cfg,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		schedule: RetrySchedule,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit enqueues a delivery without blocking and reports whether it fit.
func (p *Pipeline) Submit(id uuid.UUID) bool {
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// Backlog reports how many deliveries wait in the queue and its capacity.
func (p *Pipeline) Backlog() (queued, capacity int) {
	return len(p.queue), cap(p.queue)
}

// Run starts the workers and, when PollInterval is set, the recovery poller.
// It blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	log.Info("webhook pipeline started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	for range p.config.Workers {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	if p.config.PollInterval > 0 {
		g.Go(func() error {
			p.poll(ctx)
			return nil
		})
	}

	err := g.Wait()
	log.Info("webhook pipeline stopped")
	return err
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.Process(ctx, id)
		}
	}
}

func (p *Pipeline) poll(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	if _, err := p.Recover(ctx); err != nil {
		logging.FromContext(ctx).Error("webhook recovery failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Recover(ctx); err != nil {
				logging.FromContext(ctx).Error("webhook recovery failed", "error", err)
			}
		}
	}
}

// Recover returns stale processing deliveries to pending and resubmits
// pending ones, up to the free queue capacity. It reports how many were
// resubmitted.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	log := logging.FromContext(ctx)

	if p.config.StaleAfter > 0 {
		n, err := p.store.ResetStale(ctx, p.now().Add(-p.config.StaleAfter))
		if err != nil {
			return 0, fmt.Errorf("Recover: %w", err)
		}
		if n > 0 {
			log.Warn("stale webhook deliveries reset", "count", n)
		}
	}

	free := cap(p.queue) - len(p.queue)
	if free == 0 {
		return 0, nil
	}
	pending, err := p.store.ListPending(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("Recover: %w", err)
	}

	submitted := 0
	for _, d := range pending {
		if !p.Submit(d.ID) {
			break
		}
		submitted++
	}
	if submitted > 0 {
		log.Info("pending webhook deliveries resubmitted", "count", submitted)
	}
	return submitted, nil
}

// Process claims one delivery and runs it through the retry schedule,
// resuming after any attempts already recorded. A delivery claimed by
// someone else is skipped.
func (p *Pipeline) Process(ctx context.Context, id uuid.UUID) {
	d, err := p.store.Claim(ctx, id, p.now())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logging.FromContext(ctx).Error("webhook claim failed", "webhook_delivery_id", id, "error", err)
		}
		return
	}

	ctx = logging.With(ctx,
		"webhook_delivery_id", d.ID,
		"provider", d.Provider,
		"provider_event_id", d.EventID,
		"event_type", d.EventType,
	)
	log := logging.FromContext(ctx)

	handler, ok := p.handlers[d.EventType]
	if !ok {
		log.Info("unhandled webhook event type, ignored")
		p.record(ctx, d, d.Attempts+1, domain.WebhookAttemptIgnored, nil)
		p.finishProcessed(ctx, d, d.Attempts+1)
		return
	}

	var env domain.WebhookEnvelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		msg := fmt.Sprintf("decode envelope: %v", err)
		p.metrics.Errored(d.Provider, d.EventType)
		p.record(ctx, d, d.Attempts+1, domain.WebhookAttemptFailed, &msg)
		p.finishFailed(ctx, d, d.Attempts+1, msg)
		return
	}

	lastErr := ""
	if d.LastError != nil {
		lastErr = *d.LastError
	}
	attempts := d.Attempts

	for attempts < len(p.schedule) {
		if err := p.sleep(ctx, p.schedule[attempts]); err != nil {
			p.release(ctx, d)
			return
		}

		herr := handler(logging.With(ctx, "attempt", attempts+1), env)
		if herr == nil {
			attempts++
			p.record(ctx, d, attempts, domain.WebhookAttemptProcessed, nil)
			p.finishProcessed(ctx, d, attempts)
			return
		}
		if ctx.Err() != nil && !isPermanent(herr) {
			// shutdown cut the attempt short; it does not count
			log.Info("webhook handler interrupted", "attempt", attempts+1, "error", herr)
			p.release(ctx, d)
			return
		}

		attempts++
		msg := herr.Error()
		lastErr = msg
		p.metrics.Errored(d.Provider, d.EventType)
		p.record(ctx, d, attempts, domain.WebhookAttemptFailed, &msg)
		if err := p.store.RecordAttempt(context.WithoutCancel(ctx), d.ID, attempts, &msg); err != nil {
			log.Error("webhook attempt count not persisted", "attempt", attempts, "error", err)
		}
		log.Warn("webhook handler failed", "attempt", attempts, "error", herr)

		if isPermanent(herr) {
			break
		}
	}

	p.finishFailed(ctx, d, attempts, lastErr)
}

func (p *Pipeline) record(ctx context.Context, d *domain.WebhookDelivery, attempt int, status domain.WebhookAttemptStatus, errText *string) {
	a := &domain.WebhookAttempt{
		ID:             uuid.New(),
		Provider:       d.Provider,
		EventType:      d.EventType,
		EventID:        d.EventID,
		Status:         status,
		Attempt:        attempt,
		SignatureValid: true,
		Error:          errText,
		Payload:        d.Payload,
		CreatedAt:      p.now(),
	}
	if err := p.audit.Record(context.WithoutCancel(ctx), a); err != nil {
		logging.FromContext(ctx).Error("webhook audit record not written", "attempt", attempt, "error", err)
	}
}

func (p *Pipeline) finishProcessed(ctx context.Context, d *domain.WebhookDelivery, attempts int) {
	log := logging.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if err := p.store.RecordAttempt(ctx, d.ID, attempts, nil); err != nil {
		log.Error("webhook attempt count not persisted", "error", err)
	}
	if err := p.store.MarkProcessed(ctx, d.ID, p.now()); err != nil {
		log.Error("webhook delivery not marked processed", "error", err)
		return
	}

	p.metrics.Processed(d.Provider, d.EventType)
	p.metrics.ObserveDuration(d.Provider, d.EventType, p.now().Sub(d.ReceivedAt))
	log.Info("webhook processed", "attempts", attempts)
}

func (p *Pipeline) finishFailed(ctx context.Context, d *domain.WebhookDelivery, attempts int, lastErr string) {
	log := logging.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if err := p.store.MarkFailed(ctx, d.ID, lastErr, p.now()); err != nil {
		log.Error("webhook delivery not marked failed", "error", err)
	}
	p.metrics.ObserveDuration(d.Provider, d.EventType, p.now().Sub(d.ReceivedAt))
	log.Error("webhook processing gave up", "attempts", attempts, "last_error", lastErr)

	err := p.alerts.Send(ctx, alert.Alert{
		Title:      "webhook processing failed after retries",
		Severity:   alert.SeverityCritical,
		Provider:   d.Provider,
		EventType:  d.EventType,
		EventID:    d.EventID,
		Attempts:   attempts,
		LastError:  lastErr,
		OccurredAt: p.now(),
	})
	if err != nil {
		log.Error("operator alert not delivered", "error", err)
	}
}

// release hands the delivery back for another worker after shutdown
// interrupted its schedule.
func (p *Pipeline) release(ctx context.Context, d *domain.WebhookDelivery) {
	log := logging.FromContext(ctx)
	if err := p.store.Release(context.WithoutCancel(ctx), d.ID); err != nil {
		log.Error("webhook delivery not released", "error", err)
		return
	}
	log.Info("webhook delivery released on shutdown")
}
