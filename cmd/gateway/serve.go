package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonadableite/turbofy-gateway/internal/alert"
	"github.com/jonadableite/turbofy-gateway/internal/handler"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/metrics"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
	"github.com/jonadableite/turbofy-gateway/internal/service/webhook"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var migrationsDir string
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the webhook pipeline and the background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if migrateFirst {
				if err := repository.Migrate(a.cfg.DatabaseURL, migrationsDir); err != nil {
					return err
				}
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "migrations directory")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	log := a.logger
	ctx = logging.WithLogger(ctx, log)

	pool, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := a.buildServices(pool)
	deliveries := repository.NewWebhookDeliveryRepository(pool)
	audit := repository.NewWebhookAttemptRepository(pool)
	replays := repository.NewReplayRepository(pool)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	webhookMetrics := metrics.NewWebhookMetrics(registry)

	pipeline := webhook.NewPipeline(
		deliveries,
		audit,
		alert.New(a.cfg.AlertWebhookURL, a.cfg.ProviderTimeout()),
		webhookMetrics,
		webhook.Handlers(svc.chargeRepo, svc.charges, svc.settlements),
		webhook.PipelineConfig{
			Workers:      a.cfg.WebhookWorkers,
			QueueSize:    a.cfg.WebhookQueueSize,
			PollInterval: a.cfg.WebhookPollEvery(),
			StaleAfter:   a.cfg.WebhookStaleAfter(),
		},
	)

	router := newRouter(routeDeps{
		logger:      log,
		jwtSecret:   a.cfg.JWTSecret,
		registry:    registry,
		replays:     replays,
		health: handler.NewHealthHandler(version,
			handler.Check{Name: "database", Critical: true, Run: svc.db.Ping},
			handler.Check{Name: "webhook_queue", Run: queueCheck(pipeline)},
		),
		webhooks: handler.NewWebhookHandler(deliveries, audit, pipeline, webhookMetrics,
			map[string]string{a.cfg.WebhookProvider: a.cfg.WebhookSecret}),
		charges:         handler.NewChargeHandler(svc.charges),
		settlements:     handler.NewSettlementHandler(svc.settlements),
		reconciliations: handler.NewReconciliationHandler(svc.reconciliations),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server started", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("server stopped")
		return nil
	})

	g.Go(func() error {
		return pipeline.Run(gctx)
	})

	batch := a.cfg.SweepBatchSize
	g.Go(func() error {
		every(gctx, a.cfg.SettlementSweepEvery(), "settlement sweep", func(ctx context.Context) error {
			_, err := svc.settlements.ProcessDue(ctx, batch)
			return err
		})
		return nil
	})

	g.Go(func() error {
		every(gctx, a.cfg.MaintenanceEvery(), "maintenance", func(ctx context.Context) error {
			if _, err := svc.charges.ExpireOverdue(ctx, batch); err != nil {
				return err
			}
			n, err := replays.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 {
				logging.FromContext(ctx).Info("expired stored responses removed", "count", n)
			}
			return nil
		})
		return nil
	})

	return g.Wait()
}

func queueCheck(p *webhook.Pipeline) func(context.Context) error {
	return func(context.Context) error {
		if queued, capacity := p.Backlog(); queued >= capacity {
			return fmt.Errorf("webhook queue saturated: %d/%d", queued, capacity)
		}
		return nil
	}
}

// every runs fn on a fixed period until ctx ends. A zero period disables
// the loop. Errors are logged and the loop keeps going.
func every(ctx context.Context, period time.Duration, name string, fn func(ctx context.Context) error) {
	if period <= 0 {
		return
	}
	ctx = logging.With(ctx, "task", name)
	log := logging.FromContext(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error("periodic task failed", "error", err)
			}
		}
	}
}
