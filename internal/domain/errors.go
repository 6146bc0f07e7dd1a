package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrSettlementNotDue        = errors.New("settlement not due")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateEvent          = errors.New("duplicate webhook event")
	ErrDuplicateExternalRef    = errors.New("external reference already used")
	ErrProvider                = errors.New("payment provider error")
	ErrBanking                 = errors.New("banking error")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrInvalidPayload          = errors.New("invalid payload")
)
