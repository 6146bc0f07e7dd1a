package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

type BankStatus string

const (
	BankStatusCompleted  BankStatus = "COMPLETED"
	BankStatusFailed     BankStatus = "FAILED"
	BankStatusProcessing BankStatus = "PROCESSING"
)

type SettlementRequest struct {
	SettlementID  string
	MerchantID    string
	AmountCents   int64
	BankAccountID string
	Description   string
}

type SettlementResult struct {
	TransactionID *string
	Status        BankStatus
	FailureReason *string
}

// BankingClient submits merchant payouts to the bank.
type BankingClient struct {
	http jsonClient
}

func NewBankingClient(baseURL string, timeout time.Duration) *BankingClient {
	return &BankingClient{http: newJSONClient("banking", baseURL, timeout)}
}

type settlementPayload struct {
	SettlementID  string `json:"settlement_id"`
	MerchantID    string `json:"merchant_id"`
	AmountCents   int64  `json:"amount_cents"`
	BankAccountID string `json:"bank_account_id"`
	Description   string `json:"description"`
}

type settlementResponse struct {
	TransactionID *string `json:"transaction_id"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason"`
}

func (c *BankingClient) ProcessSettlement(ctx context.Context, req SettlementRequest) (*SettlementResult, error) {
	payload := settlementPayload{
		SettlementID:  req.SettlementID,
		MerchantID:    req.MerchantID,
		AmountCents:   req.AmountCents,
		BankAccountID: req.BankAccountID,
		Description:   req.Description,
	}

	var resp settlementResponse
	if err := c.http.do(ctx, http.MethodPost, "/settlements", req.SettlementID, payload, &resp); err != nil {
		return nil, fmt.Errorf("ProcessSettlement: %w: %w", domain.ErrBanking, err)
	}

	return &SettlementResult{
		TransactionID: resp.TransactionID,
		Status:        BankStatus(resp.Status),
		FailureReason: resp.FailureReason,
	}, nil
}
