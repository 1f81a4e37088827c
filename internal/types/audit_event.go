package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditSeverity string

const (
	AuditSeverityDebug AuditSeverity = "debug"
	AuditSeverityInfo  AuditSeverity = "info"
	AuditSeverityWarn  AuditSeverity = "warn"
	AuditSeverityError AuditSeverity = "error"
)

type AuditEventType string

const (
	AuditEventJobStateChange AuditEventType = "job_state_change"
	AuditEventCarrierCall    AuditEventType = "carrier_call"
	AuditEventRowEvent       AuditEventType = "row_event"
	AuditEventWriteBack      AuditEventType = "write_back"
	AuditEventRecovery       AuditEventType = "recovery"
	AuditEventError          AuditEventType = "error"
)

// AuditEvent is append-only. Rows are never updated after insert.
type AuditEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Severity  AuditSeverity  `gorm:"column:severity;not null;index" json:"severity"`
	EventType AuditEventType `gorm:"column:event_type;not null;index" json:"event_type"`
	Message   string         `gorm:"column:message;not null" json:"message"`
	Detail    datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	RowNumber *int           `gorm:"column:row_number" json:"row_number,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_event" }

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Severity == "" {
		e.Severity = AuditSeverityInfo
	}
	return nil
}
