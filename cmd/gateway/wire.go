package main

import (
	"database/sql"

	"github.com/jonadableite/turbofy-gateway/internal/provider"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
	"github.com/jonadableite/turbofy-gateway/internal/service/charge"
	"github.com/jonadableite/turbofy-gateway/internal/service/reconciliation"
	"github.com/jonadableite/turbofy-gateway/internal/service/settlement"
)

// services holds the orchestrators shared by the server and the one-shot
// commands.
type services struct {
	db              *repository.DB
	chargeRepo      *repository.ChargeRepository
	outbox          *repository.OutboxRepository
	charges         *charge.Service
	settlements     *settlement.Service
	reconciliations *reconciliation.Service
}

func (a *app) buildServices(pool *sql.DB) *services {
	db := repository.NewDB(pool)
	chargeRepo := repository.NewChargeRepository(pool)
	outbox := repository.NewOutboxRepository(pool)

	payments := provider.NewClient(a.cfg.ProviderBaseURL, a.cfg.ProviderTimeout())
	bank := provider.NewBankingClient(a.cfg.BankingBaseURL, a.cfg.ProviderTimeout())

	return &services{
		db:         db,
		chargeRepo: chargeRepo,
		outbox:     outbox,
		charges:    charge.NewService(chargeRepo, db, payments, outbox, a.cfg),
		settlements: settlement.NewService(
			repository.NewSettlementRepository(pool), db, bank, outbox,
		),
		reconciliations: reconciliation.NewService(
			repository.NewReconciliationRepository(pool), chargeRepo, payments, outbox,
		),
	}
}
