package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

func newSettleDueCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "settle-due",
		Short: "Pay out every settlement that is due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.WithLogger(cmd.Context(), a.logger)
			pool, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := a.buildServices(pool).settlements.ProcessDue(ctx, limit)
			if err != nil {
				return err
			}
			a.logger.Info("due settlements processed", "count", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum settlements processed in this run")
	return cmd
}

func newExpireChargesCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "expire-charges",
		Short: "Expire pending charges past their expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.WithLogger(cmd.Context(), a.logger)
			pool, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := a.buildServices(pool).charges.ExpireOverdue(ctx, limit)
			if err != nil {
				return err
			}
			a.logger.Info("overdue charges expired", "count", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum charges expired in this run")
	return cmd
}

// newReconcileCmd defaults to the previous UTC day, the window an automatic
// nightly run covers.
func newReconcileCmd(a *app) *cobra.Command {
	var merchantID, from, to string
	var manual bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a merchant's charges against the provider ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := time.Now().UTC().Truncate(24 * time.Hour)
			start := end.Add(-24 * time.Hour)
			var err error
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			typ := domain.ReconciliationTypeAutomatic
			if manual {
				typ = domain.ReconciliationTypeManual
			}

			ctx := logging.WithLogger(cmd.Context(), a.logger)
			pool, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			rec, err := a.buildServices(pool).reconciliations.RunReconciliation(ctx, merchantID, start, end, typ)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciliation %s: %s, %d matched, %d unmatched charges, %d unmatched transactions, match rate %.2f%%\n",
				rec.ID, rec.Status, len(rec.Matches), len(rec.UnmatchedCharges), len(rec.UnmatchedTransactions), rec.MatchRate())
			return nil
		},
	}
	cmd.Flags().StringVar(&merchantID, "merchant", "", "merchant id")
	cmd.Flags().StringVar(&from, "from", "", "window start, RFC 3339 (default: start of yesterday UTC)")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive, RFC 3339 (default: start of today UTC)")
	cmd.Flags().BoolVar(&manual, "manual", false, "record the run as MANUAL instead of AUTOMATIC")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}

// newOutboxCmd prints unpublished domain events as JSON lines for an
// external relay. With --ack the printed events are marked published.
func newOutboxCmd(a *app) *cobra.Command {
	var limit int
	var ack bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Drain unpublished domain events to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.WithLogger(cmd.Context(), a.logger)
			pool, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			outbox := a.buildServices(pool).outbox
			events, err := outbox.ListUnpublished(ctx, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("outbox: encode %s: %w", e.ID, err)
				}
				if !ack {
					continue
				}
				if err := outbox.MarkPublished(ctx, e.ID, time.Now().UTC()); err != nil {
					return err
				}
			}
			a.logger.Info("outbox drained", "count", len(events), "acked", ack)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events printed")
	cmd.Flags().BoolVar(&ack, "ack", false, "mark printed events as published")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var merchantID string
	var scopes []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a merchant API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.GenerateToken(merchantID, scopes, a.cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&merchantID, "merchant", "", "merchant id the token acts for")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "token scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}
