package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RowState string

const (
	RowStatePending     RowState = "pending"
	RowStateInFlight    RowState = "in_flight"
	RowStateCompleted   RowState = "completed"
	RowStateFailed      RowState = "failed"
	RowStateSkipped     RowState = "skipped"
	RowStateNeedsReview RowState = "needs_review"
)

type JobRow struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID uuid.UUID `gorm:"type:uuid;not null;index:idx_job_row,unique,priority:1" json:"job_id"`
	// 1-based position in the original source, unique within a job.
	RowNumber int      `gorm:"column:row_number;not null;index:idx_job_row,unique,priority:2" json:"row_number"`
	Checksum  string   `gorm:"column:checksum;not null" json:"checksum"`
	State     RowState `gorm:"column:state;not null;index" json:"state"`

	OrderSnapshot datatypes.JSON `gorm:"column:order_snapshot" json:"order_snapshot,omitempty"`

	TrackingNumber      string         `gorm:"column:tracking_number;index" json:"tracking_number,omitempty"`
	LabelPath           string         `gorm:"column:label_path" json:"label_path,omitempty"`
	CostMinorUnits      int64          `gorm:"column:cost_minor_units;not null;default:0" json:"cost_minor_units"`
	DutiesTaxMinorUnits int64          `gorm:"column:duties_tax_minor_units;not null;default:0" json:"duties_tax_minor_units"`
	DestinationCountry  string         `gorm:"column:destination_country" json:"destination_country,omitempty"`
	ChargeBreakdown     datatypes.JSON `gorm:"column:charge_breakdown" json:"charge_breakdown,omitempty"`

	IdempotencyKey    string `gorm:"column:idempotency_key;index" json:"idempotency_key,omitempty"`
	CarrierShipmentID string `gorm:"column:carrier_shipment_id" json:"carrier_shipment_id,omitempty"`
	CarrierTracking   string `gorm:"column:carrier_tracking" json:"carrier_tracking,omitempty"`
	RecoveryAttempts  int    `gorm:"column:recovery_attempts;not null;default:0" json:"recovery_attempts"`

	ErrorCode    string `gorm:"column:error_code" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (JobRow) TableName() string { return "job_row" }

func (r *JobRow) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.State == "" {
		r.State = RowStatePending
	}
	return nil
}
