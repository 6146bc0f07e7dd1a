package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const EventVersion = "1.0"

const (
	EventChargeCreated           = "charge.created"
	EventChargeSplitCreated      = "charge.split.created"
	EventChargePaid              = "charge.paid"
	EventChargeExpired           = "charge.expired"
	EventChargeCanceled          = "charge.canceled"
	EventSettlementCreated       = "settlement.created"
	EventSettlementScheduled     = "settlement.scheduled"
	EventSettlementProcessed     = "settlement.processed"
	EventReconciliationCompleted = "reconciliation.completed"
)

type Event struct {
	ID             uuid.UUID       `json:"id"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        string          `json:"version"`
	TraceID        *string         `json:"trace_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	RoutingKey     *string         `json:"routing_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func NewEvent(eventType string, payload any, now time.Time) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("NewEvent: %s: %w", eventType, err)
	}
	routingKey := eventType
	return &Event{
		ID:         uuid.New(),
		Type:       eventType,
		Timestamp:  now,
		Version:    EventVersion,
		RoutingKey: &routingKey,
		Payload:    body,
	}, nil
}

func (e *Event) WithTrace(traceID string) *Event {
	if traceID != "" {
		e.TraceID = &traceID
	}
	return e
}

func (e *Event) WithIdempotencyKey(key string) *Event {
	if key != "" {
		e.IdempotencyKey = &key
	}
	return e
}
