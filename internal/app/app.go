package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/db"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/observability"
	"github.com/draymark/shipflow-backend/internal/server"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	store, err := db.NewSQLiteService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init state store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.AutoMigrateAll(); err != nil {
			log.Sync()
			return nil, fmt.Errorf("state store automigrate: %w", err)
		}
	}
	theDB := store.DB()

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, reposet)
	if err != nil {
		log.Sync()
		return nil, err
	}
	handlerset := wireHandlers(log, reposet, serviceset)

	router := server.NewRouter(server.RouterConfig{
		ServiceName:     "shipflow",
		CommandHandler:  handlerset.Command,
		JobHandler:      handlerset.Job,
		RowHandler:      handlerset.Row,
		PreviewHandler:  handlerset.Preview,
		ProgressHandler: handlerset.Progress,
		LogHandler:      handlerset.Log,
		LabelHandler:    handlerset.Label,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
	}, nil
}

// Start runs the startup recovery pass, backfills missing write-back
// tasks, and launches the background workers. Job confirmation is held
// until recovery finishes.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "shipflow",
		Environment: a.Cfg.Environment,
		Version:     a.Cfg.Version,
	})

	if _, err := a.Services.Recovery.Run(ctx); err != nil {
		a.Log.Error("Startup recovery pass failed", "error", err)
	}
	a.Services.Orchestrator.MarkReady()

	a.Services.WriteBack.EnqueueMissing(ctx)
	a.Services.WriteBack.Start(ctx)

	a.Services.Ledger.Prune(ctx, a.Cfg.LedgerRetention)
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
	defer cancel()

	if err := a.Services.Orchestrator.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("Orchestrator shutdown incomplete", "error", err)
	}
	a.Services.WriteBack.Stop()
	if err := a.Services.Gateway.Close(); err != nil {
		a.Log.Warn("Gateway close failed", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(shutdownCtx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
