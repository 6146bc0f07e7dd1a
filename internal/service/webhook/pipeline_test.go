package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type pipelineHarness struct {
	pipeline *Pipeline
	store    *memDeliveryStore
	audit    *memAuditLog
	alerts   *fakeAlerts
	metrics  *fakeRecorder

	mu     sync.Mutex
	delays []time.Duration
}

func newPipelineHarness(t *testing.T, handlers map[string]Handler, cfg PipelineConfig) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		store:   newMemDeliveryStore(),
		audit:   &memAuditLog{},
		alerts:  &fakeAlerts{},
		metrics: &fakeRecorder{},
	}
	h.pipeline = NewPipeline(h.store, h.audit, h.alerts, h.metrics, handlers, cfg)
	h.pipeline.now = func() time.Time { return fixedNow }
	h.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *pipelineHarness) recordedDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func newDelivery(t *testing.T, eventType string, data any) domain.WebhookDelivery {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	eventID := "evt_" + uuid.NewString()
	body, err := json.Marshal(domain.WebhookEnvelope{ID: eventID, Object: eventType, Data: raw})
	require.NoError(t, err)
	return domain.WebhookDelivery{
		ID:         uuid.New(),
		Provider:   "turbofy-psp",
		EventID:    eventID,
		EventType:  eventType,
		Payload:    body,
		Status:     domain.WebhookDeliveryStatusPending,
		ReceivedAt: fixedNow.Add(-time.Second),
	}
}

func countingHandler(calls *int, results ...error) Handler {
	return func(context.Context, domain.WebhookEnvelope) error {
		i := *calls
		*calls++
		if i < len(results) {
			return results[i]
		}
		return nil
	}
}

func TestProcess_AlwaysFailingHandlerExhaustsSchedule(t *testing.T) {
	calls := 0
	failing := func(context.Context, domain.WebhookEnvelope) error {
		calls++
		return errors.New("downstream unavailable")
	}
	h := newPipelineHarness(t, map[string]Handler{"payment.received": failing}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{"txid": "tx-1"})
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Equal(t, 5, calls)
	assert.Equal(t, RetrySchedule, h.recordedDelays())

	attempts := h.audit.all()
	require.Len(t, attempts, 5)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, domain.WebhookAttemptFailed, a.Status)
		assert.True(t, a.SignatureValid)
		require.NotNil(t, a.Error)
		assert.Equal(t, "downstream unavailable", *a.Error)
		assert.Equal(t, d.EventID, a.EventID)
	}

	stored := h.store.get(d.ID)
	assert.Equal(t, domain.WebhookDeliveryStatusFailed, stored.Status)
	assert.Equal(t, 5, stored.Attempts)

	require.Equal(t, 1, h.alerts.count())
	sent := h.alerts.sent[0]
	assert.Equal(t, "payment.received", sent.EventType)
	assert.Equal(t, d.EventID, sent.EventID)
	assert.Equal(t, 5, sent.Attempts)

	assert.Equal(t, 5, h.metrics.errored)
	assert.Zero(t, h.metrics.processed)
	assert.Equal(t, 1, h.metrics.observed)
}

func TestProcess_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	handler := countingHandler(&calls, errors.New("first"), errors.New("second"))
	h := newPipelineHarness(t, map[string]Handler{"payment.received": handler}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{0, time.Second, 5 * time.Second}, h.recordedDelays())

	attempts := h.audit.all()
	require.Len(t, attempts, 3)
	assert.Equal(t, domain.WebhookAttemptFailed, attempts[0].Status)
	assert.Equal(t, domain.WebhookAttemptFailed, attempts[1].Status)
	assert.Equal(t, domain.WebhookAttemptProcessed, attempts[2].Status)
	assert.Equal(t, 3, attempts[2].Attempt)
	assert.Nil(t, attempts[2].Error)

	stored := h.store.get(d.ID)
	assert.Equal(t, domain.WebhookDeliveryStatusProcessed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Zero(t, h.alerts.count())
	assert.Equal(t, 1, h.metrics.processed)
	assert.Equal(t, 2, h.metrics.errored)
}

func TestProcess_ResumesFromPersistedAttempts(t *testing.T) {
	calls := 0
	failing := func(context.Context, domain.WebhookEnvelope) error {
		calls++
		return errors.New("still down")
	}
	h := newPipelineHarness(t, map[string]Handler{"payment.received": failing}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	d.Attempts = 3
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 300 * time.Second}, h.recordedDelays())
	attempts := h.audit.all()
	require.Len(t, attempts, 2)
	assert.Equal(t, 4, attempts[0].Attempt)
	assert.Equal(t, 5, attempts[1].Attempt)
	assert.Equal(t, 1, h.alerts.count())
}

func TestProcess_ExhaustedBeforeRestartFailsWithoutCallingHandler(t *testing.T) {
	calls := 0
	h := newPipelineHarness(t, map[string]Handler{"payment.received": countingHandler(&calls)}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	d.Attempts = 5
	lastErr := "boom"
	d.LastError = &lastErr
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Zero(t, calls)
	assert.Equal(t, domain.WebhookDeliveryStatusFailed, h.store.get(d.ID).Status)
	require.Equal(t, 1, h.alerts.count())
	assert.Equal(t, "boom", h.alerts.sent[0].LastError)
}

func TestProcess_PermanentErrorStopsRetrying(t *testing.T) {
	calls := 0
	handler := countingHandler(&calls, Permanent(domain.ErrInvalidPayload))
	h := newPipelineHarness(t, map[string]Handler{"payment.received": handler}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Equal(t, 1, calls)
	assert.Len(t, h.audit.all(), 1)
	assert.Equal(t, domain.WebhookDeliveryStatusFailed, h.store.get(d.ID).Status)
	assert.Equal(t, 1, h.alerts.count())
}

func TestProcess_UnknownEventTypeIsIgnored(t *testing.T) {
	h := newPipelineHarness(t, map[string]Handler{}, PipelineConfig{})
	d := newDelivery(t, "refund.created", map[string]any{})
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	attempts := h.audit.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.WebhookAttemptIgnored, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, domain.WebhookDeliveryStatusProcessed, h.store.get(d.ID).Status)
	assert.Zero(t, h.alerts.count())
	assert.Equal(t, 1, h.metrics.processed)
}

func TestProcess_MalformedEnvelopeFailsImmediately(t *testing.T) {
	calls := 0
	h := newPipelineHarness(t, map[string]Handler{"payment.received": countingHandler(&calls)}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	d.Payload = json.RawMessage(`{"id":`)
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)

	assert.Zero(t, calls)
	assert.Equal(t, domain.WebhookDeliveryStatusFailed, h.store.get(d.ID).Status)
	assert.Equal(t, 1, h.alerts.count())
}

func TestProcess_SkipsDeliveryClaimedElsewhere(t *testing.T) {
	calls := 0
	h := newPipelineHarness(t, map[string]Handler{"payment.received": countingHandler(&calls)}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	d.Status = domain.WebhookDeliveryStatusProcessing
	h.store.add(d)

	h.pipeline.Process(context.Background(), d.ID)
	h.pipeline.Process(context.Background(), uuid.New())

	assert.Zero(t, calls)
	assert.Empty(t, h.audit.all())
}

func TestProcess_ShutdownReleasesDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failing := func(context.Context, domain.WebhookEnvelope) error {
		cancel()
		return errors.New("interrupted")
	}
	h := newPipelineHarness(t, map[string]Handler{"payment.received": failing}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	h.store.add(d)

	h.pipeline.Process(ctx, d.ID)

	stored := h.store.get(d.ID)
	assert.Equal(t, domain.WebhookDeliveryStatusPending, stored.Status)
	assert.Zero(t, stored.Attempts, "an interrupted attempt does not use up the budget")
	assert.Equal(t, 1, h.store.released)
	assert.Zero(t, h.alerts.count())
	assert.Empty(t, h.audit.all())
}

func TestProcess_RestartsDoNotExhaustBudget(t *testing.T) {
	calls := 0
	var cancel context.CancelFunc
	handler := func(context.Context, domain.WebhookEnvelope) error {
		calls++
		if cancel != nil {
			cancel()
			return errors.New("interrupted")
		}
		return nil
	}
	h := newPipelineHarness(t, map[string]Handler{"payment.received": handler}, PipelineConfig{})
	d := newDelivery(t, "payment.received", map[string]any{})
	h.store.add(d)

	// more shutdowns than the schedule has slots
	restarts := len(RetrySchedule) + 2
	for range restarts {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		h.pipeline.Process(ctx, d.ID)
	}
	cancel = nil
	h.pipeline.Process(context.Background(), d.ID)

	stored := h.store.get(d.ID)
	assert.Equal(t, domain.WebhookDeliveryStatusProcessed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, restarts+1, calls)
	assert.Zero(t, h.alerts.count())
}

func TestSubmit_BoundedQueue(t *testing.T) {
	h := newPipelineHarness(t, nil, PipelineConfig{QueueSize: 2})

	assert.True(t, h.pipeline.Submit(uuid.New()))
	assert.True(t, h.pipeline.Submit(uuid.New()))
	assert.False(t, h.pipeline.Submit(uuid.New()))
}

func TestRecover_ResetsStaleAndResubmitsPending(t *testing.T) {
	h := newPipelineHarness(t, nil, PipelineConfig{QueueSize: 10, StaleAfter: 10 * time.Minute})

	stale := newDelivery(t, "payment.received", map[string]any{})
	stale.Status = domain.WebhookDeliveryStatusProcessing
	claimed := fixedNow.Add(-time.Hour)
	stale.ClaimedAt = &claimed
	h.store.add(stale)

	live := newDelivery(t, "payment.received", map[string]any{})
	live.Status = domain.WebhookDeliveryStatusProcessing
	recent := fixedNow.Add(-time.Minute)
	live.ClaimedAt = &recent
	h.store.add(live)

	pending := newDelivery(t, "payment.received", map[string]any{})
	h.store.add(pending)

	n, err := h.pipeline.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, domain.WebhookDeliveryStatusPending, h.store.get(stale.ID).Status)
	assert.Equal(t, domain.WebhookDeliveryStatusProcessing, h.store.get(live.ID).Status)

	queued := map[uuid.UUID]bool{<-h.pipeline.queue: true, <-h.pipeline.queue: true}
	assert.True(t, queued[stale.ID])
	assert.True(t, queued[pending.ID])
}

func TestRecover_FullQueueSubmitsNothing(t *testing.T) {
	h := newPipelineHarness(t, nil, PipelineConfig{QueueSize: 1})
	require.True(t, h.pipeline.Submit(uuid.New()))
	h.store.add(newDelivery(t, "payment.received", map[string]any{}))

	n, err := h.pipeline.Recover(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_WorkersProcessSubmittedDeliveries(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	handler := func(_ context.Context, env domain.WebhookEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen[env.ID] = true
		return nil
	}
	h := newPipelineHarness(t, map[string]Handler{"payment.received": handler}, PipelineConfig{Workers: 3, QueueSize: 10})

	var deliveries []domain.WebhookDelivery
	for range 5 {
		d := newDelivery(t, "payment.received", map[string]any{})
		h.store.add(d)
		deliveries = append(deliveries, d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	for _, d := range deliveries {
		require.True(t, h.pipeline.Submit(d.ID))
	}

	assert.Eventually(t, func() bool {
		for _, d := range deliveries {
			if h.store.get(d.ID).Status != domain.WebhookDeliveryStatusProcessed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
}
