package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DecisionRun correlates a chain of agent decisions to a job for
// after-the-fact audit. Events under a run are hash-chained; see
// internal/audit.
type DecisionRun struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     *uuid.UUID `gorm:"type:uuid;index" json:"job_id,omitempty"`
	Label     string     `gorm:"column:label" json:"label,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`

	Events []DecisionEvent `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"-"`
}

func (DecisionRun) TableName() string { return "decision_run" }

func (r *DecisionRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

type DecisionEvent struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RunID uuid.UUID `gorm:"type:uuid;not null;index:idx_decision_run_seq,unique,priority:1" json:"run_id"`
	// Monotonic within a run, starting at 1.
	Seq int `gorm:"column:seq;not null;index:idx_decision_run_seq,unique,priority:2" json:"seq"`

	Kind    string         `gorm:"column:kind;not null" json:"kind"`
	Payload datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	// Truncated is set when the payload exceeded the byte budget and was
	// cut before hashing.
	Truncated bool `gorm:"column:truncated;not null;default:false" json:"truncated"`

	PayloadHash   string `gorm:"column:payload_hash;not null" json:"payload_hash"`
	PrevEventHash string `gorm:"column:prev_event_hash" json:"prev_event_hash,omitempty"`
	EventHash     string `gorm:"column:event_hash;not null" json:"event_hash"`

	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (DecisionEvent) TableName() string { return "decision_event" }

func (e *DecisionEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
