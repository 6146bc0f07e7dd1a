package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ChargeSplit allocates part of a charge's proceeds to another merchant.
// Exactly one of AmountCents and Percentage is set.
type ChargeSplit struct {
	ID          uuid.UUID
	ChargeID    uuid.UUID
	MerchantID  string
	AmountCents *int64
	Percentage  *decimal.Decimal
	CreatedAt   time.Time
}

func NewSplit(chargeID uuid.UUID, merchantID string, amountCents *int64, percentage *decimal.Decimal, chargeTotal int64, now time.Time) (*ChargeSplit, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, fmt.Errorf("NewSplit: merchant id required: %w", ErrValidation)
	}
	if (amountCents == nil) == (percentage == nil) {
		return nil, fmt.Errorf("NewSplit: exactly one of amount or percentage must be set: %w", ErrValidation)
	}
	if amountCents != nil {
		if *amountCents <= 0 {
			return nil, fmt.Errorf("NewSplit: split amount must be positive: %w", ErrValidation)
		}
		if *amountCents > chargeTotal {
			return nil, fmt.Errorf("NewSplit: split amount %d exceeds charge total %d: %w", *amountCents, chargeTotal, ErrValidation)
		}
	}
	if percentage != nil {
		if !percentage.IsPositive() || percentage.GreaterThan(hundred) {
			return nil, fmt.Errorf("NewSplit: percentage %s outside (0, 100]: %w", percentage, ErrValidation)
		}
	}

	return &ChargeSplit{
		ID:          uuid.New(),
		ChargeID:    chargeID,
		MerchantID:  merchantID,
		AmountCents: amountCents,
		Percentage:  percentage,
		CreatedAt:   now,
	}, nil
}

// ComputedAmount resolves the split against the charge total, flooring percentages.
func (s *ChargeSplit) ComputedAmount(chargeTotal int64) int64 {
	if s.AmountCents != nil {
		return *s.AmountCents
	}
	return decimal.NewFromInt(chargeTotal).Mul(*s.Percentage).Div(hundred).Floor().IntPart()
}

func ValidateSplits(splits []*ChargeSplit, chargeTotal int64) error {
	var sum int64
	for _, s := range splits {
		sum += s.ComputedAmount(chargeTotal)
		if sum > chargeTotal {
			return fmt.Errorf("ValidateSplits: splits total %d exceeds charge total %d: %w", sum, chargeTotal, ErrValidation)
		}
	}
	return nil
}

type Fee struct {
	ID          uuid.UUID
	ChargeID    uuid.UUID
	Type        string
	AmountCents int64
	CreatedAt   time.Time
}

func NewFee(chargeID uuid.UUID, feeType string, amountCents int64, now time.Time) (*Fee, error) {
	if strings.TrimSpace(feeType) == "" {
		return nil, fmt.Errorf("NewFee: fee type required: %w", ErrValidation)
	}
	if amountCents < 0 {
		return nil, fmt.Errorf("NewFee: fee amount must not be negative: %w", ErrValidation)
	}
	return &Fee{
		ID:          uuid.New(),
		ChargeID:    chargeID,
		Type:        feeType,
		AmountCents: amountCents,
		CreatedAt:   now,
	}, nil
}

func (f *Fee) ApplyToTotal(total int64) int64 {
	return max(total-f.AmountCents, 0)
}

func ValidateFees(fees []*Fee, chargeTotal int64) error {
	var sum int64
	for _, f := range fees {
		sum += f.AmountCents
		if sum > chargeTotal {
			return fmt.Errorf("ValidateFees: fees total %d exceeds charge total %d: %w", sum, chargeTotal, ErrValidation)
		}
	}
	return nil
}
