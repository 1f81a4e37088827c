package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/types"
)

type AuditEventFilter struct {
	Severity  types.AuditSeverity
	EventType types.AuditEventType
	Limit     int
}

type AuditEventRepo interface {
	Append(ctx context.Context, tx *gorm.DB, event *types.AuditEvent) error
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, filter AuditEventFilter) ([]*types.AuditEvent, error)
}

type auditEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditEventRepo(db *gorm.DB, baseLog *logger.Logger) AuditEventRepo {
	return &auditEventRepo{
		db:  db,
		log: baseLog.With("repo", "AuditEventRepo"),
	}
}

func (r *auditEventRepo) Append(ctx context.Context, tx *gorm.DB, event *types.AuditEvent) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if event == nil {
		return nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(event).Error
}

func (r *auditEventRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, filter AuditEventFilter) ([]*types.AuditEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AuditEvent
	if jobID == uuid.Nil {
		return out, nil
	}
	q := transaction.WithContext(ctx).Where("job_id = ?", jobID)
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if err := q.Order("created_at ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
