package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

type webhookDeliveryRepository interface {
	Create(ctx context.Context, d *domain.WebhookDelivery) error
}

type webhookAuditLog interface {
	Record(ctx context.Context, a *domain.WebhookAttempt) error
}

type webhookSubmitter interface {
	Submit(id uuid.UUID) bool
}

type webhookCounter interface {
	Received(provider, eventType string)
}

// WebhookHandler acknowledges provider events as soon as they are verified
// and durably stored. Processing happens in the pipeline.
type WebhookHandler struct {
	deliveries webhookDeliveryRepository
	audit      webhookAuditLog
	pipeline   webhookSubmitter
	metrics    webhookCounter
	secrets    map[string]string
}

// NewWebhookHandler takes the shared secret of every accepted provider,
// keyed by the provider name used in the route.
func NewWebhookHandler(
	deliveries webhookDeliveryRepository,
	audit webhookAuditLog,
	pipeline webhookSubmitter,
	metrics webhookCounter,
	secrets map[string]string,
) *WebhookHandler {
	return &WebhookHandler{
		deliveries: deliveries,
		audit:      audit,
		pipeline:   pipeline,
		metrics:    metrics,
		secrets:    secrets,
	}
}

type webhookEnvelope domain.WebhookEnvelope

func (e webhookEnvelope) validate() []FieldError {
	var errs []FieldError
	if e.ID == "" {
		errs = append(errs, FieldError{Field: "id", Message: "required"})
	}
	if e.Object == "" {
		errs = append(errs, FieldError{Field: "object", Message: "required"})
	}
	return errs
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := logging.With(r.Context(), "provider", provider)
	log := logging.FromContext(ctx)

	secret, ok := h.secrets[provider]
	if !ok {
		log.Warn("webhook for unknown provider")
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var env webhookEnvelope
	parseErr := json.Unmarshal(body, &env)

	if err := webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), secret); err != nil {
		log.Warn("webhook signature verification failed", "provider_event_id", env.ID)
		h.recordRejected(ctx, provider, env, body, err)
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	if parseErr != nil {
		log.Warn("failed to parse webhook payload", "error", parseErr)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := env.validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	d := &domain.WebhookDelivery{
		ID:         uuid.New(),
		Provider:   provider,
		EventID:    env.ID,
		EventType:  env.Object,
		Payload:    body,
		Status:     domain.WebhookDeliveryStatusPending,
		ReceivedAt: time.Now().UTC(),
	}
	if err := h.deliveries.Create(ctx, d); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			log.Info("duplicate webhook received", "provider_event_id", env.ID)
			RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
			return
		}
		log.Error("failed to store webhook delivery", "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	h.metrics.Received(provider, env.Object)
	if !h.pipeline.Submit(d.ID) {
		log.Warn("webhook queue full, delivery left for recovery", "webhook_delivery_id", d.ID)
	}

	log.Info("webhook delivery stored",
		"webhook_delivery_id", d.ID,
		"provider_event_id", env.ID,
		"event_type", env.Object,
	)
	RespondSuccess(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *WebhookHandler) recordRejected(ctx context.Context, provider string, env webhookEnvelope, body []byte, cause error) {
	msg := cause.Error()
	a := &domain.WebhookAttempt{
		ID:             uuid.New(),
		Provider:       provider,
		EventType:      env.Object,
		EventID:        env.ID,
		Status:         domain.WebhookAttemptRejected,
		Attempt:        0,
		SignatureValid: false,
		Error:          &msg,
		Payload:        body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.audit.Record(ctx, a); err != nil {
		logging.FromContext(ctx).Error("rejected webhook not audited", "error", err)
	}
}
