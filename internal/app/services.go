package app

import (
	"time"

	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/batch"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/gateway"
	"github.com/draymark/shipflow-backend/internal/labels"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/orchestrator"
	"github.com/draymark/shipflow-backend/internal/progress"
	"github.com/draymark/shipflow-backend/internal/recovery"
	"github.com/draymark/shipflow-backend/internal/writeback"
)

type Services struct {
	Carrier      carrier.Client
	Labels       *labels.Store
	Gateway      *gateway.Gateway
	Hub          *progress.Hub
	Audit        *audit.Recorder
	Ledger       *audit.Ledger
	Engine       *batch.Engine
	Orchestrator *orchestrator.Orchestrator
	WriteBack    *writeback.Worker
	Recovery     *recovery.Coordinator
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos) (Services, error) {
	log.Info("Wiring services...")

	carrierClient, err := carrier.NewFromEnv(log)
	if err != nil {
		return Services{}, err
	}

	labelStore, err := labels.NewStore(cfg.LabelsDir, log)
	if err != nil {
		return Services{}, err
	}

	gw := gateway.Get(log)
	hub := progress.NewHub(log)
	recorder := audit.NewRecorder(db, reposet.AuditEvent, log)
	ledger := audit.NewLedger(db, reposet.Decision, log)

	engine := batch.NewEngine(db, reposet.JobRow, reposet.WriteBackTask, carrierClient, labelStore, recorder, hub, log)
	worker := writeback.NewWorker(db, reposet.WriteBackTask, reposet.JobRow, gw, recorder, log)
	worker.SetPollInterval(time.Duration(cfg.WriteBackPollSeconds) * time.Second)
	engine.SetWake(worker.Wake)

	orch := orchestrator.New(db, reposet.Job, reposet.JobRow, engine, hub, recorder, log)
	coordinator := recovery.NewCoordinator(db, reposet.Job, reposet.JobRow, reposet.WriteBackTask, carrierClient, labelStore, recorder, log)

	return Services{
		Carrier:      carrierClient,
		Labels:       labelStore,
		Gateway:      gw,
		Hub:          hub,
		Audit:        recorder,
		Ledger:       ledger,
		Engine:       engine,
		Orchestrator: orch,
		WriteBack:    worker,
		Recovery:     coordinator,
	}, nil
}
