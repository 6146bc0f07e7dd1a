package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

// Client talks to the payment provider: instrument issuance and the
// transaction ledger used by reconciliation.
type Client struct {
	http jsonClient
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: newJSONClient("payment_provider", baseURL, timeout)}
}

type IssueRequest struct {
	ChargeID string
	// ExternalRef is the merchant's reference, echoed back in payment
	// webhooks. The charge ID is sent when it is empty.
	ExternalRef string
	MerchantID  string
	AmountCents int64
	Description *string
	ExpiresAt   time.Time
}

type PixCharge struct {
	QRCode    string
	CopyPaste string
	ExpiresAt time.Time
}

type BoletoCharge struct {
	URL       string
	ExpiresAt time.Time
}

type issuePayload struct {
	Reference   string    `json:"reference"`
	MerchantID  string    `json:"merchant_id"`
	AmountCents int64     `json:"amount_cents"`
	Description *string   `json:"description,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type pixResponse struct {
	QRCode    string    `json:"qr_code"`
	CopyPaste string    `json:"copy_paste"`
	ExpiresAt time.Time `json:"expires_at"`
}

type boletoResponse struct {
	BoletoURL string    `json:"boleto_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newIssuePayload(req IssueRequest) issuePayload {
	ref := req.ExternalRef
	if ref == "" {
		ref = req.ChargeID
	}
	return issuePayload{
		Reference:   ref,
		MerchantID:  req.MerchantID,
		AmountCents: req.AmountCents,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt.UTC(),
	}
}

func (c *Client) IssuePixCharge(ctx context.Context, req IssueRequest) (*PixCharge, error) {
	var resp pixResponse
	if err := c.http.do(ctx, http.MethodPost, "/pix/charges", req.ChargeID, newIssuePayload(req), &resp); err != nil {
		return nil, fmt.Errorf("IssuePixCharge: %w: %w", domain.ErrProvider, err)
	}
	if resp.QRCode == "" || resp.CopyPaste == "" {
		return nil, fmt.Errorf("IssuePixCharge: %w: incomplete pix instrument", domain.ErrProvider)
	}
	expires := resp.ExpiresAt
	if expires.IsZero() {
		expires = req.ExpiresAt
	}
	return &PixCharge{QRCode: resp.QRCode, CopyPaste: resp.CopyPaste, ExpiresAt: expires}, nil
}

func (c *Client) IssueBoletoCharge(ctx context.Context, req IssueRequest) (*BoletoCharge, error) {
	var resp boletoResponse
	if err := c.http.do(ctx, http.MethodPost, "/boleto/charges", req.ChargeID, newIssuePayload(req), &resp); err != nil {
		return nil, fmt.Errorf("IssueBoletoCharge: %w: %w", domain.ErrProvider, err)
	}
	if resp.BoletoURL == "" {
		return nil, fmt.Errorf("IssueBoletoCharge: %w: missing boleto url", domain.ErrProvider)
	}
	expires := resp.ExpiresAt
	if expires.IsZero() {
		expires = req.ExpiresAt
	}
	return &BoletoCharge{URL: resp.BoletoURL, ExpiresAt: expires}, nil
}

type transactionJSON struct {
	ID          string    `json:"id"`
	ExternalRef *string   `json:"external_ref"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type transactionsResponse struct {
	Transactions []transactionJSON `json:"transactions"`
}

// ListTransactions returns the provider ledger for merchantID in [start, end).
func (c *Client) ListTransactions(ctx context.Context, merchantID string, start, end time.Time) ([]domain.ExternalTransaction, error) {
	q := url.Values{}
	q.Set("merchant_id", merchantID)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	var resp transactionsResponse
	if err := c.http.do(ctx, http.MethodGet, "/transactions?"+q.Encode(), "", nil, &resp); err != nil {
		return nil, fmt.Errorf("ListTransactions: %w: %w", domain.ErrProvider, err)
	}

	txs := make([]domain.ExternalTransaction, 0, len(resp.Transactions))
	for _, t := range resp.Transactions {
		if t.ID == "" {
			return nil, fmt.Errorf("ListTransactions: %w: transaction without id", domain.ErrProvider)
		}
		txs = append(txs, domain.ExternalTransaction{
			ID:          t.ID,
			ExternalRef: t.ExternalRef,
			AmountCents: t.AmountCents,
			Status:      t.Status,
			OccurredAt:  t.OccurredAt,
		})
	}
	return txs, nil
}

// StatusCode extracts the HTTP status of a failed provider call, if any.
func StatusCode(err error) (int, bool) {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
