// Command mock-provider stands in for the PSP and the bank during local
// development. It issues fake PIX and boleto instruments, keeps an in-memory
// transaction ledger and delivers signed payment webhooks to the gateway.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/service/webhook"
)

type config struct {
	Port          string `env:"MOCK_PROVIDER_PORT" envDefault:"8081"`
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	GatewayURL    string `env:"GATEWAY_WEBHOOK_URL" envDefault:"http://gateway:8080/webhooks/turbofy-psp"`
	WebhookSecret string `env:"WEBHOOK_SECRET" envDefault:"dev-webhook-secret"`
	// FailAccount makes payouts to this bank account fail.
	FailAccount string `env:"MOCK_FAIL_BANK_ACCOUNT" envDefault:"bank-fail"`
}

type transaction struct {
	ID          string    `json:"id"`
	MerchantID  string    `json:"-"`
	ExternalRef *string   `json:"external_ref"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type ledger struct {
	mu  sync.Mutex
	txs []transaction
}

func (l *ledger) add(tx transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = append(l.txs, tx)
}

func (l *ledger) between(merchantID string, start, end time.Time) []transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []transaction{}
	for _, tx := range l.txs {
		if tx.MerchantID != merchantID || tx.OccurredAt.Before(start) || !tx.OccurredAt.Before(end) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

type issueRequest struct {
	Reference   string    `json:"reference"`
	MerchantID  string    `json:"merchant_id"`
	AmountCents int64     `json:"amount_cents"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type payoutRequest struct {
	SettlementID  string `json:"settlement_id"`
	MerchantID    string `json:"merchant_id"`
	AmountCents   int64  `json:"amount_cents"`
	BankAccountID string `json:"bank_account_id"`
}

type simulatePaymentRequest struct {
	MerchantID  string `json:"merchant_id"`
	ExternalRef string `json:"external_ref"`
	AmountCents int64  `json:"amount_cents"`
}

type server struct {
	cfg    config
	ledger *ledger
	client *http.Client
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mock-provider: %v\n", err)
		os.Exit(1)
	}
	logging.Init("mock-provider", "info", cfg.AppEnv)

	s := &server{cfg: cfg, ledger: &ledger{}, client: &http.Client{Timeout: 10 * time.Second}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /pix/charges", s.issuePix)
	mux.HandleFunc("POST /boleto/charges", s.issueBoleto)
	mux.HandleFunc("GET /transactions", s.listTransactions)
	mux.HandleFunc("POST /settlements", s.payout)
	mux.HandleFunc("POST /simulate/payments", s.simulatePayment)

	slog.Info("mock provider started", "addr", ":"+cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *server) issuePix(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.AmountCents <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid charge"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"qr_code":    "data:image/png;base64,bW9jay1xcg==",
		"copy_paste": fmt.Sprintf("00020126580014br.gov.bcb.pix0136%s5204000053039865405%d", req.Reference, req.AmountCents),
		"expires_at": req.ExpiresAt,
	})
}

func (s *server) issueBoleto(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || req.AmountCents <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid charge"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"boleto_url": "https://boleto.mock/" + req.Reference,
		"expires_at": req.ExpiresAt,
	})
}

func (s *server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("start"))
	end, err2 := time.Parse(time.RFC3339, q.Get("end"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start and end must be RFC 3339"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.ledger.between(q.Get("merchant_id"), start, end),
	})
}

func (s *server) payout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SettlementID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid settlement"})
		return
	}

	if req.BankAccountID == s.cfg.FailAccount {
		slog.Info("payout rejected", "settlement_id", req.SettlementID, "bank_account_id", req.BankAccountID)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "FAILED",
			"failure_reason": "bank account closed",
		})
		return
	}

	txID := "bank-" + uuid.NewString()
	slog.Info("payout completed", "settlement_id", req.SettlementID, "transaction_id", txID, "amount_cents", req.AmountCents)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "COMPLETED",
		"transaction_id": txID,
	})
}

// simulatePayment books a paid transaction and notifies the gateway the way
// the real PSP would.
func (s *server) simulatePayment(w http.ResponseWriter, r *http.Request) {
	var req simulatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalRef == "" || req.AmountCents <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "external_ref and amount_cents are required"})
		return
	}

	now := time.Now().UTC()
	ref := req.ExternalRef
	tx := transaction{
		ID:          "pix-" + uuid.NewString(),
		MerchantID:  req.MerchantID,
		ExternalRef: &ref,
		AmountCents: req.AmountCents,
		Status:      "PAID",
		OccurredAt:  now,
	}
	s.ledger.add(tx)

	status, err := s.deliver(r.Context(), tx)
	if err != nil {
		slog.Error("webhook delivery failed", "transaction_id", tx.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "transaction_id": tx.ID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": tx.ID, "gateway_status": status})
}

func (s *server) deliver(ctx context.Context, tx transaction) (int, error) {
	data, err := json.Marshal(map[string]any{
		"txid":         tx.ID,
		"external_ref": tx.ExternalRef,
		"amount_cents": tx.AmountCents,
		"paid_at":      tx.OccurredAt,
	})
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(map[string]any{
		"id":         "evt_" + uuid.NewString(),
		"version":    "1",
		"account_id": tx.MerchantID,
		"object":     domain.WebhookEventPaymentReceived,
		"date":       tx.OccurredAt.Format(time.RFC3339),
		"data":       json.RawMessage(data),
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, s.cfg.WebhookSecret))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	slog.Info("webhook delivered", "transaction_id", tx.ID, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
