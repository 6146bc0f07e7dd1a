package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Currency string

const CurrencyBRL Currency = "BRL"

func (c Currency) IsValid() bool {
	return c == CurrencyBRL
}

type PaymentMethod string

const (
	PaymentMethodPix    PaymentMethod = "PIX"
	PaymentMethodBoleto PaymentMethod = "BOLETO"
)

func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodPix || m == PaymentMethodBoleto
}

type ChargeStatus string

const (
	ChargeStatusPending  ChargeStatus = "PENDING"
	ChargeStatusPaid     ChargeStatus = "PAID"
	ChargeStatusExpired  ChargeStatus = "EXPIRED"
	ChargeStatusCanceled ChargeStatus = "CANCELED"
)

type Charge struct {
	ID             uuid.UUID
	MerchantID     string
	AmountCents    int64
	Currency       Currency
	Description    *string
	Status         ChargeStatus
	Method         *PaymentMethod
	ExpiresAt      *time.Time
	IdempotencyKey string
	ExternalRef    *string
	Metadata       json.RawMessage
	PixQRCode      *string
	PixCopyPaste   *string
	BoletoURL      *string
	ProviderTxID   *string
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type NewChargeParams struct {
	MerchantID     string
	AmountCents    int64
	Currency       Currency
	Description    *string
	Method         *PaymentMethod
	ExpiresAt      *time.Time
	IdempotencyKey string
	ExternalRef    *string
	Metadata       json.RawMessage
}

func NewCharge(p NewChargeParams, now time.Time) (*Charge, error) {
	if p.AmountCents <= 0 {
		return nil, fmt.Errorf("NewCharge: %w", ErrInvalidAmount)
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return nil, fmt.Errorf("NewCharge: idempotency key required: %w", ErrValidation)
	}
	if strings.TrimSpace(p.MerchantID) == "" {
		return nil, fmt.Errorf("NewCharge: merchant id required: %w", ErrValidation)
	}
	currency := p.Currency
	if currency == "" {
		currency = CurrencyBRL
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("NewCharge: %s: %w", currency, ErrInvalidCurrency)
	}
	if p.Method != nil && !p.Method.IsValid() {
		return nil, fmt.Errorf("NewCharge: unsupported method %q: %w", *p.Method, ErrValidation)
	}

	return &Charge{
		ID:             uuid.New(),
		MerchantID:     p.MerchantID,
		AmountCents:    p.AmountCents,
		Currency:       currency,
		Description:    p.Description,
		Status:         ChargeStatusPending,
		Method:         p.Method,
		ExpiresAt:      p.ExpiresAt,
		IdempotencyKey: p.IdempotencyKey,
		ExternalRef:    p.ExternalRef,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// WithPixInstrument returns a copy of c carrying the issued PIX instrument.
func (c Charge) WithPixInstrument(qrCode, copyPaste string, expiresAt time.Time, now time.Time) *Charge {
	c.PixQRCode = &qrCode
	c.PixCopyPaste = &copyPaste
	c.ExpiresAt = &expiresAt
	c.UpdatedAt = now
	return &c
}

// WithBoletoInstrument returns a copy of c carrying the issued boleto URL.
func (c Charge) WithBoletoInstrument(url string, expiresAt time.Time, now time.Time) *Charge {
	c.BoletoURL = &url
	c.ExpiresAt = &expiresAt
	c.UpdatedAt = now
	return &c
}

func (c *Charge) HasInstrument() bool {
	return c.PixQRCode != nil || c.BoletoURL != nil
}

func (c *Charge) IsPaid() bool {
	return c.Status == ChargeStatusPaid
}

func (c *Charge) MarkPaid(providerTxID string, paidAt time.Time) error {
	if c.Status != ChargeStatusPending {
		return fmt.Errorf("MarkPaid: charge %s is %s: %w", c.ID, c.Status, ErrInvalidStateTransition)
	}
	c.Status = ChargeStatusPaid
	if providerTxID != "" {
		c.ProviderTxID = &providerTxID
	}
	if c.PaidAt == nil {
		c.PaidAt = &paidAt
	}
	c.UpdatedAt = paidAt
	return nil
}

func (c *Charge) Expire(now time.Time) error {
	if c.Status != ChargeStatusPending {
		return fmt.Errorf("Expire: charge %s is %s: %w", c.ID, c.Status, ErrInvalidStateTransition)
	}
	c.Status = ChargeStatusExpired
	c.UpdatedAt = now
	return nil
}

func (c *Charge) Cancel(now time.Time) error {
	if c.Status != ChargeStatusPending {
		return fmt.Errorf("Cancel: charge %s is %s: %w", c.ID, c.Status, ErrInvalidStateTransition)
	}
	c.Status = ChargeStatusCanceled
	c.UpdatedAt = now
	return nil
}
