package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

// staleMargin covers handler run time on top of the webhook retry delays.
const staleMargin = time.Minute

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	ProviderBaseURL  string `env:"PROVIDER_BASE_URL" envDefault:"http://mock-provider:8081"`
	BankingBaseURL   string `env:"BANKING_BASE_URL" envDefault:"http://mock-provider:8081"`
	ProviderTimeoutS int    `env:"PROVIDER_TIMEOUT_S" envDefault:"10"`

	PixDefaultExpiryS       int `env:"PIX_DEFAULT_EXPIRY_S" envDefault:"3600"`
	BoletoDefaultExpiryDays int `env:"BOLETO_DEFAULT_EXPIRY_DAYS" envDefault:"3"`

	WebhookSecret       string `env:"WEBHOOK_SECRET,required,notEmpty"`
	WebhookProvider     string `env:"WEBHOOK_PROVIDER" envDefault:"turbofy-psp"`
	WebhookWorkers      int    `env:"WEBHOOK_WORKERS" envDefault:"8"`
	WebhookQueueSize    int    `env:"WEBHOOK_QUEUE_SIZE" envDefault:"256"`
	WebhookPollInterval int    `env:"WEBHOOK_POLL_INTERVAL_S" envDefault:"15"`
	WebhookStaleAfterS  int    `env:"WEBHOOK_STALE_AFTER_S" envDefault:"600"`

	SettlementSweepIntervalS int `env:"SETTLEMENT_SWEEP_INTERVAL_S" envDefault:"60"`
	SweepBatchSize           int `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	MaintenanceIntervalS     int `env:"MAINTENANCE_INTERVAL_S" envDefault:"300"`

	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
	DBConnectAttempts  int `env:"DB_CONNECT_ATTEMPTS" envDefault:"5"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.WebhookWorkers < 1 {
		return nil, fmt.Errorf("config.Load: WEBHOOK_WORKERS must be at least 1")
	}
	// a shorter window would hand a delivery still sleeping between attempts
	// to a second worker
	if minStale := domain.WebhookRetryWindow() + staleMargin; cfg.WebhookStaleAfter() <= minStale {
		return nil, fmt.Errorf("config.Load: WEBHOOK_STALE_AFTER_S must exceed %ds", int(minStale.Seconds()))
	}
	return &cfg, nil
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutS) * time.Second
}

func (c *Config) PixDefaultExpiry() time.Duration {
	return time.Duration(c.PixDefaultExpiryS) * time.Second
}

func (c *Config) BoletoDefaultExpiry() time.Duration {
	return time.Duration(c.BoletoDefaultExpiryDays) * 24 * time.Hour
}

func (c *Config) WebhookPollEvery() time.Duration {
	return time.Duration(c.WebhookPollInterval) * time.Second
}

func (c *Config) WebhookStaleAfter() time.Duration {
	return time.Duration(c.WebhookStaleAfterS) * time.Second
}

func (c *Config) SettlementSweepEvery() time.Duration {
	return time.Duration(c.SettlementSweepIntervalS) * time.Second
}

// MaintenanceEvery is the period of the charge expiry and idempotency cache
// cleanup loop. Zero disables it.
func (c *Config) MaintenanceEvery() time.Duration {
	return time.Duration(c.MaintenanceIntervalS) * time.Second
}
