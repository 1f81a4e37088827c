package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

// Recorder appends job audit events. Append failures are logged and
// swallowed: the ledger is diagnostic, it must never fail a batch.
type Recorder struct {
	db   *gorm.DB
	repo repos.AuditEventRepo
	log  *logger.Logger
}

func NewRecorder(db *gorm.DB, repo repos.AuditEventRepo, baseLog *logger.Logger) *Recorder {
	return &Recorder{
		db:   db,
		repo: repo,
		log:  baseLog.With("component", "AuditRecorder"),
	}
}

func (r *Recorder) Record(ctx context.Context, jobID uuid.UUID, severity types.AuditSeverity, eventType types.AuditEventType, message string, detail map[string]any, rowNumber *int) {
	event := &types.AuditEvent{
		JobID:     jobID,
		Severity:  severity,
		EventType: eventType,
		Message:   message,
		RowNumber: rowNumber,
		CreatedAt: time.Now().UTC(),
	}
	if len(detail) > 0 {
		raw, err := json.Marshal(redactDetail(detail))
		if err == nil {
			event.Detail = datatypes.JSON(raw)
		}
	}
	if err := r.repo.Append(ctx, r.db, event); err != nil {
		r.log.Warn("Failed to append audit event", "job_id", jobID, "event_type", eventType, "error", err)
	}
}

func (r *Recorder) Info(ctx context.Context, jobID uuid.UUID, eventType types.AuditEventType, message string, detail map[string]any) {
	r.Record(ctx, jobID, types.AuditSeverityInfo, eventType, message, detail, nil)
}

func (r *Recorder) Error(ctx context.Context, jobID uuid.UUID, eventType types.AuditEventType, message string, detail map[string]any) {
	r.Record(ctx, jobID, types.AuditSeverityError, eventType, message, detail, nil)
}

func (r *Recorder) RowEvent(ctx context.Context, jobID uuid.UUID, rowNumber int, severity types.AuditSeverity, message string, detail map[string]any) {
	r.Record(ctx, jobID, severity, types.AuditEventRowEvent, message, detail, &rowNumber)
}

// redactDetail strips credential-shaped keys from detail blobs before they
// land in the store.
func redactDetail(detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		key := strings.ToLower(k)
		switch {
		case strings.Contains(key, "token"),
			strings.Contains(key, "secret"),
			strings.Contains(key, "password"),
			strings.Contains(key, "authorization"),
			strings.Contains(key, "client_id"):
			out[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = redactDetail(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
