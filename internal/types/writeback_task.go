package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type WriteBackState string

const (
	WriteBackStatePending    WriteBackState = "pending"
	WriteBackStateCompleted  WriteBackState = "completed"
	WriteBackStateDeadLetter WriteBackState = "dead_letter"
)

// WriteBackMaxRetries is the fixed retry budget before a task dead-letters.
const WriteBackMaxRetries = 5

type WriteBackTask struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index:idx_wb_job_row,unique,priority:1" json:"job_id"`
	RowNumber int       `gorm:"column:row_number;not null;index:idx_wb_job_row,unique,priority:2" json:"row_number"`

	TrackingNumber string         `gorm:"column:tracking_number;not null" json:"tracking_number"`
	ShippedAt      time.Time      `gorm:"column:shipped_at;not null" json:"shipped_at"`
	State          WriteBackState `gorm:"column:state;not null;index" json:"state"`
	RetryCount     int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (WriteBackTask) TableName() string { return "write_back_task" }

func (t *WriteBackTask) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.State == "" {
		t.State = WriteBackStatePending
	}
	return nil
}
