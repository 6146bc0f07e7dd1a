package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookRetrySchedule is the delay before each delivery attempt; its length
// is the attempt budget.
var WebhookRetrySchedule = []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second, 300 * time.Second}

// WebhookRetryWindow is the total time a delivery spends waiting between
// attempts.
func WebhookRetryWindow() time.Duration {
	var total time.Duration
	for _, d := range WebhookRetrySchedule {
		total += d
	}
	return total
}

type WebhookDeliveryStatus string

const (
	WebhookDeliveryStatusPending    WebhookDeliveryStatus = "pending"
	WebhookDeliveryStatusProcessing WebhookDeliveryStatus = "processing"
	WebhookDeliveryStatusProcessed  WebhookDeliveryStatus = "processed"
	WebhookDeliveryStatusFailed     WebhookDeliveryStatus = "failed"
)

const (
	WebhookEventPaymentReceived     = "payment.received"
	WebhookEventSettlementCompleted = "settlement.completed"
	WebhookEventSettlementFailed    = "settlement.failed"
)

// WebhookDelivery is the persisted retry state of one inbound provider event.
type WebhookDelivery struct {
	ID         uuid.UUID
	Provider   string
	EventID    string
	EventType  string
	Payload    json.RawMessage
	Status     WebhookDeliveryStatus
	Attempts   int
	LastError  *string
	ReceivedAt time.Time
	ClaimedAt  *time.Time
	FinishedAt *time.Time
}

type WebhookAttemptStatus string

const (
	WebhookAttemptRejected  WebhookAttemptStatus = "rejected"
	WebhookAttemptProcessed WebhookAttemptStatus = "processed"
	WebhookAttemptIgnored   WebhookAttemptStatus = "ignored"
	WebhookAttemptFailed    WebhookAttemptStatus = "failed"
)

// WebhookAttempt is an append-only audit record; never updated.
type WebhookAttempt struct {
	ID             uuid.UUID
	Provider       string
	EventType      string
	EventID        string
	Status         WebhookAttemptStatus
	Attempt        int
	SignatureValid bool
	Error          *string
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// WebhookEnvelope is the provider's wire format.
type WebhookEnvelope struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	AccountID string          `json:"account_id"`
	Object    string          `json:"object"`
	Date      string          `json:"date"`
	Data      json.RawMessage `json:"data"`
}
