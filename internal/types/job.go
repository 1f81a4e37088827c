package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

type JobMode string

const (
	JobModeConfirm JobMode = "confirm"
	JobModeAuto    JobMode = "auto"
)

type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	CommandText string    `gorm:"column:command_text;not null" json:"command_text"`
	State       JobState  `gorm:"column:state;not null;index" json:"state"`
	Mode        JobMode   `gorm:"column:mode;not null;default:confirm" json:"mode"`

	TotalRows      int `gorm:"column:total_rows;not null;default:0" json:"total_rows"`
	ProcessedRows  int `gorm:"column:processed_rows;not null;default:0" json:"processed_rows"`
	SuccessfulRows int `gorm:"column:successful_rows;not null;default:0" json:"successful_rows"`
	FailedRows     int `gorm:"column:failed_rows;not null;default:0" json:"failed_rows"`

	// Minor currency units.
	TotalCost         int64 `gorm:"column:total_cost;not null;default:0" json:"total_cost"`
	TotalDutiesTax    int64 `gorm:"column:total_duties_tax;not null;default:0" json:"total_duties_tax"`
	InternationalRows int   `gorm:"column:international_rows;not null;default:0" json:"international_rows"`

	ShipperSnapshot datatypes.JSON `gorm:"column:shipper_snapshot" json:"shipper_snapshot,omitempty"`
	// No column default: gorm would skip an explicit false on insert and
	// let the database default win.
	WriteBackEnabled bool   `gorm:"column:write_back_enabled;not null" json:"write_back_enabled"`
	SourceSignature  string         `gorm:"column:source_signature;index" json:"source_signature,omitempty"`

	ErrorCode    string `gorm:"column:error_code" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`

	Rows []JobRow `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Job) TableName() string { return "job" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.State == "" {
		j.State = JobStatePending
	}
	if j.Mode == "" {
		j.Mode = JobModeConfirm
	}
	return nil
}
