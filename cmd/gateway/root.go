package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonadableite/turbofy-gateway/internal/config"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
)

const serviceName = "turbofy-gateway"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var envFile string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Turbofy payment gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				return err
			}
			a.cfg = cfg
			a.logger = logging.Init(serviceName, cfg.LogLevel, cfg.AppEnv)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment is parsed")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newSettleDueCmd(a),
		newReconcileCmd(a),
		newExpireChargesCmd(a),
		newOutboxCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := repository.NewPostgresDB(ctx, a.cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     a.cfg.DBMaxOpenConns,
		MaxIdleConns:     a.cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: a.cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: a.cfg.DBConnMaxIdleTimeS,
		ConnectAttempts:  a.cfg.DBConnectAttempts,
	})
	if err != nil {
		a.logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	return db, nil
}
