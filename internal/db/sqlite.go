package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/types"
	"github.com/draymark/shipflow-backend/internal/utils"
)

// SQLiteService owns the durable state store. Single node, single file;
// WAL mode gives readers-while-writing, the engine's single-writer
// guarantee serializes concurrent writers.
type SQLiteService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSQLiteService(log *logger.Logger) (*SQLiteService, error) {
	serviceLog := log.With("service", "SQLiteService")

	path := utils.GetEnv("STATE_DB_PATH", "shipflow.db", log)
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	log.Info("Opening state store...", "path", path)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Error("Failed to open state store", "error", err)
		return nil, fmt.Errorf("Failed to open state store: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("Failed to access sql.DB handle: %w", err)
	}
	// sqlite tolerates one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent handlers.
	sqlDB.SetMaxOpenConns(1)

	return &SQLiteService{db: gdb, log: serviceLog}, nil
}

// NewMemoryService opens an in-memory store, used by tests.
func NewMemoryService(log *logger.Logger) (*SQLiteService, error) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_foreign_keys=on"), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("Failed to open in-memory store: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &SQLiteService{db: gdb, log: log.With("service", "SQLiteService")}, nil
}

// AutoMigrateAll applies additive schema migration. Missing tables and
// columns are created idempotently; existing data is never rewritten.
func (s *SQLiteService) AutoMigrateAll() error {
	s.log.Info("Auto migrating state store tables...")
	err := s.db.AutoMigrate(
		&types.Job{},
		&types.JobRow{},
		&types.WriteBackTask{},
		&types.AuditEvent{},
		&types.DecisionRun{},
		&types.DecisionEvent{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for state store tables", "error", err)
		return err
	}
	return nil
}

func (s *SQLiteService) DB() *gorm.DB {
	return s.db
}
