package app

import (
	"time"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/utils"
)

type Config struct {
	Port        string
	Environment string
	Version     string

	LabelsDir   string
	AutoMigrate bool

	// Worker knobs.
	WriteBackPollSeconds int
	ShutdownTimeout      time.Duration

	// Decision ledger retention.
	LedgerRetention time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port:                 utils.GetEnv("PORT", "8080", log),
		Environment:          utils.GetEnv("APP_ENV", "development", log),
		Version:              utils.GetEnv("APP_VERSION", "dev", log),
		LabelsDir:            utils.GetEnv("LABELS_DIR", "labels", log),
		AutoMigrate:          utils.GetEnvAsBool("DB_AUTO_MIGRATE", true, log),
		WriteBackPollSeconds: utils.GetEnvAsInt("WRITEBACK_POLL_SECONDS", 5, log),
		ShutdownTimeout:      time.Duration(utils.GetEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 15, log)) * time.Second,
		LedgerRetention:      time.Duration(utils.GetEnvAsInt("LEDGER_RETENTION_DAYS", 30, log)) * 24 * time.Hour,
	}
}
