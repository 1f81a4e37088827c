package recovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/audit"
	"github.com/draymark/shipflow-backend/internal/clients/carrier"
	"github.com/draymark/shipflow-backend/internal/labels"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/pkg/httpx"
	"github.com/draymark/shipflow-backend/internal/repos"
	"github.com/draymark/shipflow-backend/internal/types"
)

const (
	// lookupAttempts bounds carrier lookups per in-flight row.
	lookupAttempts = 3
	// wallClockBudget caps the whole startup pass; rows not resolved in
	// time go to needs_review rather than blocking the process.
	wallClockBudget = 2 * time.Minute

	retryBaseDelay = 2 * time.Second
)

// Summary reports one recovery pass.
type Summary struct {
	JobsExamined int
	RowsResolved int
	RowsFailed   int
	RowsReview   int
}

// Coordinator resolves rows a previous process left in flight: for each,
// it asks the carrier whether the shipment exists and settles the row to
// completed or failed. Unresolvable rows land in needs_review. Running
// the pass twice is a no-op because a settled row is never in flight.
type Coordinator struct {
	db      *gorm.DB
	jobs    repos.JobRepo
	rows    repos.JobRowRepo
	tasks   repos.WriteBackTaskRepo
	carrier carrier.Client
	labels  *labels.Store
	audit   *audit.Recorder
	log     *logger.Logger

	retryDelay time.Duration
}

func NewCoordinator(db *gorm.DB, jobs repos.JobRepo, rows repos.JobRowRepo, tasks repos.WriteBackTaskRepo, client carrier.Client, store *labels.Store, recorder *audit.Recorder, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{
		db:      db,
		jobs:    jobs,
		rows:    rows,
		tasks:   tasks,
		carrier: client,
		labels:  store,
		audit:   recorder,
		log:     baseLog.With("component", "RecoveryCoordinator"),

		retryDelay: retryBaseDelay,
	}
}

// Run executes the startup pass over every job in {running, paused}.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	deadline := time.Now().Add(wallClockBudget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	summary := &Summary{}
	jobs, err := c.jobs.ListByStates(ctx, nil, []types.JobState{types.JobStateRunning, types.JobStatePaused})
	if err != nil {
		return summary, apperr.System(apperr.CodeStoreError, "list interrupted jobs").WithCause(err)
	}
	if len(jobs) == 0 {
		c.log.Info("Recovery pass found no interrupted jobs")
		return summary, nil
	}

	for _, job := range jobs {
		summary.JobsExamined++
		c.recoverJob(ctx, job, summary)
		if job.State == types.JobStateRunning {
			// The process that ran this job is gone. Park it as paused so
			// an operator can resume the remaining pending rows.
			if _, err := c.jobs.TransitionState(ctx, nil, job.ID, types.JobStateRunning, types.JobStatePaused); err != nil {
				c.log.Error("Failed to park interrupted job", "job_id", job.ID, "error", err)
			}
		}
	}

	c.log.Info("Recovery pass finished",
		"jobs_examined", summary.JobsExamined,
		"rows_resolved", summary.RowsResolved,
		"rows_failed", summary.RowsFailed,
		"rows_needs_review", summary.RowsReview)
	return summary, nil
}

func (c *Coordinator) recoverJob(ctx context.Context, job *types.Job, summary *Summary) {
	inFlight, err := c.rows.InFlightByJob(ctx, nil, job.ID)
	if err != nil {
		c.log.Error("Failed to load in-flight rows", "job_id", job.ID, "error", err)
		return
	}
	if len(inFlight) == 0 {
		return
	}
	c.log.Info("Recovering interrupted job", "job_id", job.ID, "in_flight_rows", len(inFlight))

	for _, row := range inFlight {
		if ctx.Err() != nil {
			// Budget exhausted: park the remainder for a human.
			c.markReview(ctx, job.ID, row, "recovery budget exhausted")
			summary.RowsReview++
			continue
		}
		switch c.recoverRow(ctx, job, row) {
		case types.RowStateCompleted:
			summary.RowsResolved++
		case types.RowStateFailed:
			summary.RowsFailed++
		default:
			summary.RowsReview++
		}
	}

	detail := map[string]any{"in_flight_rows": len(inFlight)}
	c.audit.Record(context.WithoutCancel(ctx), job.ID, types.AuditSeverityInfo, types.AuditEventRecovery,
		"recovery pass over interrupted job", detail, nil)
}

// recoverRow settles one in-flight row and returns the state it landed in.
func (c *Coordinator) recoverRow(ctx context.Context, job *types.Job, row *types.JobRow) types.RowState {
	if row.IdempotencyKey == "" {
		// In flight without a key should be impossible; the checkpoint
		// writes both together.
		c.markReview(ctx, job.ID, row, "in-flight row has no idempotency key")
		return types.RowStateNeedsReview
	}

	var tracked *carrier.TrackedShipment
	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		tracked, lastErr = c.carrier.TrackByReference(ctx, row.IdempotencyKey)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < lookupAttempts {
			select {
			case <-time.After(httpx.JitterSleep(c.retryDelay * time.Duration(attempt))):
			case <-ctx.Done():
			}
		}
	}
	c.bumpAttempts(ctx, row)

	if lastErr != nil {
		c.log.Warn("Carrier lookup failed during recovery",
			"job_id", job.ID, "row_number", row.RowNumber, "error", lastErr)
		c.markReview(ctx, job.ID, row, "carrier lookup failed: "+lastErr.Error())
		return types.RowStateNeedsReview
	}

	if !tracked.Found {
		// The carrier never created the shipment, so the original attempt
		// died before arrival. Safe to fail deterministically.
		ae := apperr.Carrier(apperr.CodeCarrierShipmentNotFound,
			"no shipment found for interrupted row; re-run to retry it")
		now := time.Now().UTC()
		err := c.rows.UpdateFields(ctx, nil, row.ID, map[string]interface{}{
			"state":         types.RowStateFailed,
			"error_code":    ae.Code,
			"error_message": ae.Message,
			"processed_at":  now,
		})
		if err != nil {
			c.log.Error("Failed to persist recovered row", "job_id", job.ID, "row_number", row.RowNumber, "error", err)
			return types.RowStateNeedsReview
		}
		c.audit.Record(ctx, job.ID, types.AuditSeverityWarn, types.AuditEventRecovery,
			"interrupted row settled as failed", map[string]any{"error_code": ae.Code}, &row.RowNumber)
		return types.RowStateFailed
	}

	tracking := ""
	if len(tracked.TrackingNumbers) > 0 {
		tracking = tracked.TrackingNumbers[0]
	}
	labelPath := ""
	if tracked.LabelBase64 != "" {
		if p, err := c.labels.Save(tracking, tracked.LabelBase64, "pdf"); err == nil {
			labelPath = p
		}
	}
	breakdown, _ := json.Marshal(tracked.Breakdown)
	now := time.Now().UTC()
	err := c.rows.UpdateFields(ctx, nil, row.ID, map[string]interface{}{
		"state":                  types.RowStateCompleted,
		"tracking_number":        tracking,
		"carrier_tracking":       tracking,
		"carrier_shipment_id":    tracked.ShipmentID,
		"label_path":             labelPath,
		"cost_minor_units":       tracked.TotalMinorUnits,
		"duties_tax_minor_units": tracked.Breakdown.DutiesTaxMinorUnits,
		"charge_breakdown":       breakdown,
		"error_code":             "",
		"error_message":          "",
		"processed_at":           now,
	})
	if err != nil {
		c.log.Error("Failed to persist recovered row", "job_id", job.ID, "row_number", row.RowNumber, "error", err)
		return types.RowStateNeedsReview
	}
	if job.WriteBackEnabled && tracking != "" {
		if _, err := c.tasks.Upsert(ctx, nil, job.ID, row.RowNumber, tracking, now); err != nil {
			c.log.Warn("Failed to enqueue write-back for recovered row",
				"job_id", job.ID, "row_number", row.RowNumber, "error", err)
		}
	}
	c.audit.Record(ctx, job.ID, types.AuditSeverityInfo, types.AuditEventRecovery,
		"interrupted row settled as completed", map[string]any{"tracking": tracking}, &row.RowNumber)
	return types.RowStateCompleted
}

func (c *Coordinator) markReview(ctx context.Context, jobID uuid.UUID, row *types.JobRow, reason string) {
	err := c.rows.UpdateFields(context.WithoutCancel(ctx), nil, row.ID, map[string]interface{}{
		"state":         types.RowStateNeedsReview,
		"error_message": reason,
	})
	if err != nil {
		c.log.Error("Failed to park row for review", "job_id", jobID, "row_number", row.RowNumber, "error", err)
		return
	}
	c.audit.Record(context.WithoutCancel(ctx), jobID, types.AuditSeverityWarn, types.AuditEventRecovery,
		"row parked for manual review", map[string]any{"reason": reason}, &row.RowNumber)
}

func (c *Coordinator) bumpAttempts(ctx context.Context, row *types.JobRow) {
	err := c.rows.UpdateFields(context.WithoutCancel(ctx), nil, row.ID, map[string]interface{}{
		"recovery_attempts": gorm.Expr("recovery_attempts + 1"),
	})
	if err != nil {
		c.log.Warn("Failed to bump recovery attempts", "row_number", row.RowNumber, "error", err)
	}
}
