package app

import (
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
)

type Repos struct {
	Job           repos.JobRepo
	JobRow        repos.JobRowRepo
	WriteBackTask repos.WriteBackTaskRepo
	AuditEvent    repos.AuditEventRepo
	Decision      repos.DecisionRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Job:           repos.NewJobRepo(db, log),
		JobRow:        repos.NewJobRowRepo(db, log),
		WriteBackTask: repos.NewWriteBackTaskRepo(db, log),
		AuditEvent:    repos.NewAuditEventRepo(db, log),
		Decision:      repos.NewDecisionRepo(db, log),
	}
}
