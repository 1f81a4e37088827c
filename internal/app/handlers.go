package app

import (
	"github.com/draymark/shipflow-backend/internal/handlers"
	"github.com/draymark/shipflow-backend/internal/logger"
)

type Handlers struct {
	Command  *handlers.CommandHandler
	Job      *handlers.JobHandler
	Row      *handlers.RowHandler
	Preview  *handlers.PreviewHandler
	Progress *handlers.ProgressHandler
	Log      *handlers.LogHandler
	Label    *handlers.LabelHandler
}

func wireHandlers(log *logger.Logger, reposet Repos, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Command:  handlers.NewCommandHandler(reposet.Job, services.Gateway),
		Job:      handlers.NewJobHandler(reposet.Job, reposet.JobRow, services.Orchestrator),
		Row:      handlers.NewRowHandler(reposet.Job, reposet.JobRow),
		Preview:  handlers.NewPreviewHandler(reposet.Job, reposet.JobRow, services.Carrier, services.Orchestrator),
		Progress: handlers.NewProgressHandler(reposet.Job, reposet.JobRow, services.Hub),
		Log:      handlers.NewLogHandler(reposet.Job, reposet.JobRow, reposet.AuditEvent),
		Label:    handlers.NewLabelHandler(reposet.JobRow, services.Labels),
	}
}
